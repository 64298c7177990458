/*
Package rowjar implements an immutable, columnar, compressed on-disk
container for row-addressed binary data.

A jar is written once, sealed, and then served read-only through a
memory mapping. Every column stores one block per row, compressed
independently with the column's codec, and an Elias-Fano encoded offset
index that resolves a row number to its block's byte range. Jars built
with keys additionally carry a bloom membership filter and a minimal
perfect hash index that resolve a key to a candidate row in constant
time without storing the keys themselves.

Data Structure Documentation

Jar

A jar is a single file: a header, the per-column data and offset blobs,
the optional key index blobs, a table of contents and a fixed-size
footer.

    Jar layout:
    +--------+--------+-------+--------+---------+-------+---------+--------+-----+-----+--------+
    | header | data 1 |  ...  | data n | offs 1  |  ...  | offs n  | filter | phf | toc | footer |
    +--------+--------+-------+--------+---------+-------+---------+--------+-----+-----+--------+

    Header:
    +-----------------+---------------+---------------+-----------------------+--------------------+----------+
    | magic (8 bytes) | ver (1 byte)  | flags (1 byte)| column count (2 bytes)| row count (8 bytes)| columns  |
    +-----------------+---------------+---------------+-----------------------+--------------------+----------+

    Header column entry:
    +----------------------+----------------+----------------+---------------------+-------------------+
    | name length (2 bytes)| name (varlen)  | codec (1 byte) | dict len (4 bytes)  | dict (varlen)     |
    +----------------------+----------------+----------------+---------------------+-------------------+

    Table of contents (per column, then trailer):
    +---------------------+---------------------+---------------------+---------------------+
    | data off (8 bytes)  | data len (8 bytes)  | offs off (8 bytes)  | offs len (8 bytes)  |
    +---------------------+---------------------+---------------------+---------------------+
    +----------------------+----------------------+--------------------+--------------------+-----------------------+
    | filter off (8 bytes) | filter len (8 bytes) | phf off (8 bytes)  | phf len (8 bytes)  | header len (8 bytes)  |
    +----------------------+----------------------+--------------------+--------------------+-----------------------+

    Footer:
    +---------------------+----------------------------+----------------------+------------------+
    | toc off (8 bytes)   | metadata checksum (8 bytes)| total len (8 bytes)  | magic (8 bytes)  |
    +---------------------+----------------------------+----------------------+------------------+

Offsets

Each column carries row count + 1 offsets; row i occupies the byte
range [offset i, offset i+1) of the column's data blob. The offsets are
a monotone sequence and are stored Elias-Fano encoded, queried in place
on the mapped bytes.

The metadata checksum covers the header, the offset blobs, the key
index blobs and the table of contents. Row data is excluded; corrupted
blocks are caught by their codec on decompression.
*/
package rowjar
