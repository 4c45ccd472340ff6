/*Package mqtt provides the MQTT broker endpoints and applications connect to

The broker is an embedded gmqtt server with a plugin which bridges the
MQTT clients to the router.

Authentication

Endpoints connect with a client certificate. The common name of the
certificate is the endpoint id and must match the MQTT client id.
Applications connect with username and password. Either way the broker asks
the auth.Decider for a login and for access to the virtual host "/".

Topics

MQTT topics are routing keys with "/" as separator, a "+" in a topic filter
is the routing key wildcard "*". An endpoint publishes for example

	@online/{endpoint_id}
	@update/{endpoint_id}/nodes/{node}/objects/{object}/attributes/{attribute}

and subscribes to

	@set/{endpoint_id}/#

Subscriptions need READ, publications WRITE permission on the endpoint
named by the second word of the topic.

Accepted publications go to the topic exchange of the router. MQTT clients
receive messages the router delivers to the broker's queue, by default
everything matching "@set.#".
*/
package mqtt
