// Package hwver models the hardware version triplet stored in every
// Axon controller's OTP memory and in firmware manifests.
package hwver

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Version identifies a board family and capability set. It is read
// from device memory or picked by the user and never changes after
// that.
type Version struct {
	ProductLine uint8
	Version     uint8
	Variant     uint8
}

var versionRe = regexp.MustCompile(`^([0-9]+)\.([0-9]+)\.([0-9]+)$`)

// FromString parses a version of the form "4.4.58".
func FromString(s string) (Version, error) {
	m := versionRe.FindStringSubmatch(s)
	if m == nil {
		return Version{}, fmt.Errorf("invalid hardware version %q", s)
	}
	var parts [3]uint8
	for i, p := range m[1:] {
		var v int
		fmt.Sscanf(p, "%d", &v)
		if v > 255 {
			return Version{}, fmt.Errorf("invalid hardware version %q", s)
		}
		parts[i] = uint8(v)
	}
	return Version{parts[0], parts[1], parts[2]}, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.ProductLine, v.Version, v.Variant)
}

// FromTuple builds a Version from the three-element array form used
// in release indexes.
func FromTuple(t []uint8) (Version, bool) {
	if len(t) < 3 {
		return Version{}, false
	}
	return Version{t[0], t[1], t[2]}, true
}

// MarshalJSON encodes the version as the [product, version, variant]
// triplet the release server uses.
func (v Version) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]uint8{v.ProductLine, v.Version, v.Variant})
}

func (v *Version) UnmarshalJSON(data []byte) error {
	var t []uint8
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	parsed, ok := FromTuple(t)
	if !ok {
		return fmt.Errorf("hardware version needs 3 elements, got %d", len(t))
	}
	*v = parsed
	return nil
}

// DisplayName returns a human name such as "Axon Pro" for known
// product lines, or "unknown device".
func (v Version) DisplayName() string {
	switch v.ProductLine {
	case 3:
		return fmt.Sprintf("Axon v3.%d", v.Version)
	case 4:
		switch v.Version {
		case 0, 1, 2, 3:
			return fmt.Sprintf("Axon Pro v4.%d", v.Version)
		case 4:
			return "Axon Pro"
		}
		return "unknown Axon Pro"
	case 5:
		switch v.Version {
		case 0:
			return "Axon One X1"
		case 1:
			return "Axon One X3"
		case 2:
			return "Axon One"
		}
		return "unknown Axon One"
	case 6:
		switch v.Version {
		case 0:
			return "Axon Micro X1"
		case 1:
			return "Axon Micro X3"
		case 2:
			return "Axon Micro X4"
		}
		return "unknown Axon Micro"
	}
	return "unknown device"
}

// IsZero reports whether v is the zero version, used as "not known".
func (v Version) IsZero() bool {
	return v == Version{}
}

// LegacyChoices are the boards that may be behind a legacy bootloader
// which does not self-report its hardware version. When OTP data is
// absent too, the user has to pick one of these.
var LegacyChoices = []Version{
	{4, 4, 58},
	{5, 2, 0},
	{6, 1, 0},
	{6, 2, 0},
}
