// Package pathtag derives the opaque tags that name files in the flash
// file system from Java Card domain tuples: package lists, CAP
// payloads, package statics, and applet instance fields. The functions
// are pure; the same tuple always produces the same tag, and no two
// distinct tuples across any of the four shapes ever produce the same
// byte string, because the first byte is a domain discriminant and the
// remaining bytes have a fixed per-domain width.
package pathtag

// Domain discriminants, one per tuple shape. They occupy the low byte
// range so they can never collide with the file system's own reserved
// tags (internal/fs reserves 0xFE for the transaction metablock).
const (
	domainPackageList = 0x01
	domainCAP         = 0x02
	domainStatic      = 0x03
	domainAppletField = 0x04
)

// PackageID, AppletID, ClassID, FieldID and StaticID identify the
// components of the Java Card object model as the interpreter numbers
// them. They are 16-bit on the wire, matching the CAP format's token
// widths.
type (
	PackageID uint16
	AppletID  uint16
	ClassID   uint16
	FieldID   uint16
	StaticID  uint16
)

func putU16(dst []byte, v uint16) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
}

// PackageList returns the singleton tag of the package directory file.
func PackageList() []byte {
	return []byte{domainPackageList}
}

// CAP returns the tag of the file holding package pkg's CAP payload.
func CAP(pkg PackageID) []byte {
	tag := make([]byte, 3)
	tag[0] = domainCAP
	putU16(tag[1:], uint16(pkg))

	return tag
}

// Static returns the tag of a package-level static field.
func Static(pkg PackageID, static StaticID) []byte {
	tag := make([]byte, 5)
	tag[0] = domainStatic
	putU16(tag[1:], uint16(pkg))
	putU16(tag[3:], uint16(static))

	return tag
}

// AppletField returns the tag of an applet instance field.
func AppletField(applet AppletID, pkg PackageID, class ClassID, field FieldID) []byte {
	tag := make([]byte, 9)
	tag[0] = domainAppletField
	putU16(tag[1:], uint16(applet))
	putU16(tag[3:], uint16(pkg))
	putU16(tag[5:], uint16(class))
	putU16(tag[7:], uint16(field))

	return tag
}
