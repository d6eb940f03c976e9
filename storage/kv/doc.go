// Package kv provides an interface for implementing the
// transactional dictionaries that back a cache replica.
//
// A kv plugin is a factory for root store instances. A root store
// holds the state of one replica and contains zero or more named
// dictionaries. Each dictionary is an independent string-keyed map
// and every read or write of a dictionary happens inside a transaction.
//
//  - Root Store (one per replica)
//    - cacheDictionary
//      - Order^42: <entry>
//      - Order^43: <entry>
//    - otherDictionary
//
// Transactions on a dictionary are serializable: writable transactions
// either commit all their writes or none of them. Drivers that cannot
// hold a transaction open on the backing store (such as redis) buffer
// writes in a WriteBuffer and apply them atomically at commit time.
//
// Values are opaque to this package. Callers store encoded entries
// (see package entry) so that expiry is handled identically by every
// driver.
package kv
