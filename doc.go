/*
Package kvtable contains an SSTable implementation for sorted key/value
data with arbitrary byte-string keys.

Data Structure Documentation

Table

A table contains a series of data blocks followed by an optional filter
block, an index block and a fixed-size footer.

    Table layout:
    +---------+---------+---------+--------------+-------------+--------+
    | block 1 |   ...   | block n | filter block | index block | footer |
    +---------+---------+---------+--------------+-------------+--------+

    Index block: one entry per data block, where the key is the last key
    of that block and the value is the encoded block handle.

    Block handle:
    +-----------------+---------------+
    | offset (varint) | size (varint) |
    +-----------------+---------------+

    Footer:
    +------------------------------------------------+------------------+
    | filter handle | index handle | padding  (40B)  |  magic (8 bytes) |
    +------------------------------------------------+------------------+

Block

Every block is stored as an optionally compressed payload followed by a
5-byte trailer: a single compression type indicator and a checksum over
the payload and the indicator (the lower 32 bits of its XXH3-64 hash).

    Stored block:
    +------------------+---------------------------+---------------------+
    | payload (varlen) | compression type (1-byte) | checksum (4 bytes)  |
    +------------------+---------------------------+---------------------+

A block payload comprises a series of entries grouped into restart
groups, followed by a restart index.

    Block payload:
    +---------+---------+---------+---------------+----------------------------+
    | entry 1 |   ...   | entry n | restart index | restart count (4 bytes)    |
    +---------+---------+---------+---------------+----------------------------+

    Restart index:
    +----------------------------+-------+----------------------------+
    | restart offset 1 (4 bytes) |  ...  | restart offset k (4 bytes) |
    +----------------------------+-------+----------------------------+

Entry

Keys are prefix-compressed: each entry stores the length of the prefix
shared with the preceding key and only the remaining suffix. The first
entry of each restart group stores its key in full (shared length 0), so
blocks can be binary-searched across their restart offsets.

    +--------------------+------------------------+----------------------+------------+-----------------+
    | shared (4 bytes)   | non shared (4 bytes)   | value len (4 bytes)  | key suffix | value (varlen)  |
    +--------------------+------------------------+----------------------+------------+-----------------+

Filter block

The filter block holds a single bloom filter over every key in the table,
followed by a 1-byte probe count. Readers use it to skip lookups for keys
that are certainly absent.
*/
package kvtable
