/*Package iot groups the IoT packages of cloudio

Endpoints describe themselves with a model tree of nodes, objects and
attributes (package model) and talk to the platform through messages on the
router, either directly or via the MQTT broker (package mqtt). Payloads are
JSON, CBOR or compressed JSON (package format).

	@online, @offline            lifecycle of endpoints      package lifecycle
	@nodeAdded, @nodeRemoved     lifecycle of nodes          package lifecycle
	@update                      attribute updates           packages update, timeseries
	@set                         attribute changes to an endpoint, published by package twin

Every broker operation is decided by the engine in package auth. Package
twin keeps the current model of every endpoint and serves it over REST.
*/
package iot
