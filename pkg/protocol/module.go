package protocol

import (
	"fmt"
	"hash/crc32"
	"os"

	"github.com/jwoglom/wasmgw/pkg/gwerrors"
)

// Module is a deployable artifact. The ID is chosen by the client and only
// means something on the device it is loaded onto.
type Module struct {
	ID      string
	Payload []byte
}

// NewModule creates a module from an in-memory payload
func NewModule(id string, payload []byte) Module {
	return Module{ID: id, Payload: payload}
}

// LoadModuleFile reads a module artifact from the local filesystem
func LoadModuleFile(id, path string) (Module, error) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return Module{}, gwerrors.Validation("file not found: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Module{}, fmt.Errorf("failed to read module %s: %w", path, err)
	}

	return NewModule(id, data), nil
}

// Size returns the payload length in bytes
func (m Module) Size() int {
	return len(m.Payload)
}

// Checksum returns the CRC-32 (IEEE, zlib compatible) of the payload
func (m Module) Checksum() uint32 {
	return crc32.ChecksumIEEE(m.Payload)
}

// ChecksumHex returns the checksum as 8 lowercase hex digits
func (m Module) ChecksumHex() string {
	return fmt.Sprintf("%08x", m.Checksum())
}
