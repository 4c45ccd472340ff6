/*Package twin keeps the device twin: the last known model of every endpoint
together with its online and blocked state.

Twins are kept in a Store. The lifecycle and update synchronizers write
them, the REST API reads them.

The API provides the following REST routes:
	GET    /endpoints
	GET    /endpoints/{id}
	DELETE /endpoints/{id}
	PUT    /endpoints/{id}/blocked
	GET    /endpoints/{id}/{path}
	PUT    /endpoints/{id}/{path}

{path} is a dot-path relative to the endpoint, for example

  curl ..../endpoints/dev1/nodes.sensor.objects.temperature.attributes.value
  {
   "timestamp": 1500554648.614,
   "constraint": "Measure",
   "type": "Number",
   "value": 21.5
  }

Reads require READ permission on the endpoint, deleting requires OWN.
A PUT on an attribute requires WRITE and publishes a set request
"@set.{id}.{path}" to the endpoint. Only parameters and set points can be
set. Blocking an endpoint requires the broker-administration authority,
a blocked endpoint can no longer log in with its certificate.
*/
package twin
