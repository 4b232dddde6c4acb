// Package tl implements the schema-driven binary codec used by MTProto.
//
// A TL schema is a list of declarations:
//
//	inputPeerUser#dde8a54c user_id:long access_hash:long = InputPeer;
//	dcOption flags:# ipv6:flags.0?true id:int ip_address:string port:int = DcOption;
//
// Compile turns parsed entries into two tables: a ReaderMap keyed by the
// 32-bit constructor id and a WriterMap keyed by the entry name. Every
// writer has a companion size function that walks the same fields, so a
// buffer can be sized exactly before encoding.
//
// # Wire Format
//
// All integers are little-endian. A boxed value is prefixed by its
// constructor id:
//
//	┌──────────────┬────────────────────────────────┐
//	│ id (4 bytes) │ fields in declaration order    │
//	└──────────────┴────────────────────────────────┘
//
// Bare values (lowercase type names, %Type, vector<T>) omit the id.
// Byte strings carry a 1-byte length (or 0xfe plus a 3-byte length for
// 254 bytes and more) and are padded to a multiple of 4.
//
// # Optional Fields
//
// A "#" argument is a flags word. Later arguments of the form
// flags.N?T are present on the wire only when bit N is set. Writers
// rebuild the flags word from the object: "true" fields contribute by
// truthiness, every other optional field by being non-nil.
//
// # Patching
//
// Patch compiles an extra schema and returns new tables with the
// extra entries overriding the old ones. The original tables are not
// modified, so a patched client can coexist with an unpatched one.
package tl
