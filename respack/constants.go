package respack

// Magic identifies a packed resources archive.
var Magic = [8]byte{'s', 't', 'a', 'r', 'p', 'a', 'k', '\n'}

// Format version. Readers reject archives with a different major version
// and skip unknown fields written by newer minor versions.
const (
	FormatMajor uint8 = 1
	FormatMinor uint8 = 0
)

// headerSize is the fixed byte length of the archive header.
const headerSize = 14

// Field tags identify record fields in the entry run. Scalar fields carry
// their value inline; bulk fields carry an (offset, length) pair into the
// payload heap.
const (
	TagName          uint8 = 0x01 // UTF-8 dotted module name
	TagIsPackage     uint8 = 0x02 // presence flag, length 0
	TagIsModule      uint8 = 0x03 // presence flag, length 0
	TagBuiltin       uint8 = 0x04 // presence flag, length 0
	TagFrozen        uint8 = 0x05 // presence flag, length 0
	TagSource        uint8 = 0x06 // heap ref: source text
	TagBytecode      uint8 = 0x07 // heap ref: compiled program
	TagBytecodeTag   uint8 = 0x08 // u64 compiler version marker
	TagDistMetadata  uint8 = 0x09 // heap ref: distribution metadata
	TagExtension     uint8 = 0x0A // heap ref: extension module payload
	TagSharedLibrary uint8 = 0x0B // UTF-8 opaque path, never loaded here
	TagResources     uint8 = 0x0C // count + per-item name + heap ref
	TagEndOfRecord   uint8 = 0xFF // terminates a record, length 0
)

// heapRefSize is the encoded size of a heap reference (offset + length).
const heapRefSize = 8
