// Package storage persists MTProto authorization keys.
//
// The AuthKeyStore interface stores one permanent key per datacenter and
// any number of temporary keys per datacenter, indexed by connection:
//
//	store := storage.NewMemoryStore()
//	// or
//	store, err := storage.NewFileStore("keys.json")
//	// or
//	store := storage.NewSQLStore(db, storage.WithSQLDialect(storage.DialectSQLite))
//	// or
//	store := storage.NewRedisStore(redisClient)
//	// or
//	store, err := storage.DialEtcd([]string{"localhost:2379"})
//	// or
//	store := storage.NewS3Store(s3Client, "bucket")
//
// Open builds a store from the storage section of the configuration.
//
// # Temporary keys
//
// Temporary keys carry an expiry. Reads return nothing once the key has
// expired; the memory and sql stores additionally purge expired rows in
// the background and redis expires them with a TTL.
package storage
