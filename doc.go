/*
Package layerdb implements a transactional document store on top of an
ordered key-value engine (see package kv for the engines).

We implement:

1. Collections, sets of documents (Doc) keyed by a primary key made of
some of their fields.

2. Indexes, keeping an ordered map from indexed field values (or tuples
computed by a map function) to the primary keys of the records.

3. Handles (DB), each a view of the engine plus an overlay of uncommitted
writes that reads and queries merge with persisted data.

4. A replication extension letting peers that share a log tell each other
which log blocks a read needs.

# Technical Details

**Namespaces.**
Every collection and index has an id, assigned in declaration order unless
given explicitly. Every key it stores starts with the uvarint of its id, so
a flat key space holds all of them without collisions.

**Transactions.**
Writes are staged in the handle's overlay together with the index changes
they imply, computed against the persisted record. Flush commits the whole
overlay as one batch, failing with ErrConflict if any other commit happened
since the handle last synchronized with the engine's clock.

Snapshot handles share the overlay of the handle they were taken from;
whichever handle writes first makes its own copy.

## Binary encoding

**Key encoding.**
Components are tagged so that the byte order of keys matches the order of
the values:
1. Absent: 0x00.
2. Unsigned integer: 0x10 plus the byte length, then the minimal big-endian
bytes.
3. String or bytes: 0x20, then the bytes with 0x00 escaped as 0x00 0xFF,
then a 0x00 terminator.
4. Fixed-size bytes: 0x30, then the bytes.

Ranges append 0xFF to an exclusive lower or inclusive upper prefix so that
they cover every key sharing it.

**Value**: value header, then a msgpack array of the non-key fields in
declaration order.

**Value header**:
1. Flags (uvarint).
2. Schema version (uvarint).

**Index entries** map the index key to the primary key of the record.
Non-unique index keys end with the primary key fields not already indexed.
*/
package layerdb
