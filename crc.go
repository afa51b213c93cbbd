package tupl

import "hash/crc32"

// crc32cTable is the Castagnoli polynomial table used for header and
// replication-channel checksums (CRC32C over the header body).
// aergoio/kv_log uses the IEEE table (hash/crc32's default) for its own WAL
// frames; headers and replication frames here use Castagnoli instead.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

func crc32cHeader(b []byte) uint32 { return crc32.Checksum(b, crc32cTable) }
