// Package mongo implements the codestore object surface on MongoDB.
// Objects live one per document under a unique key with their payload,
// metadata, and upload accounting; reads decode through the narrow
// collection interface so tests can fake the driver.
package mongo
