package modbus

import "time"

// MappingConfig claims a contiguous address range in one object table for
// polling.
type MappingConfig struct {
	Type    ObjectType `json:"type"`
	Address uint16     `json:"address"`
	Size    uint16     `json:"size"`
}

// ConversionConfig describes one decoded variable backed by a mapped
// range.
type ConversionConfig struct {
	ID         string  `json:"id"`
	Type       ObjectType `json:"type"`
	Format     Format  `json:"format"`
	Address    uint16  `json:"address"`
	Multiplier float64 `json:"multiplier"`
	Endian     Endian  `json:"endian,omitempty"`
}

// SlaveConfig is one slave's polling configuration.
type SlaveConfig struct {
	ID         uint8              `json:"id"`
	Mapping    []MappingConfig    `json:"mapping"`
	Conversion []ConversionConfig `json:"conversion"`
}

// Config is the Modbus master configuration.
type Config struct {
	Protocol        Protocol      `json:"modbus_protocol"`
	TimeoutPolling  time.Duration `json:"timeout_polling"`
	TimeoutResponse time.Duration `json:"timeout_response"`
	Slaves          []SlaveConfig `json:"slaves"`
}

// Verify checks the configuration's protocol field and returns
// ErrInvalidADU for anything else.
func (c Config) Verify() error {
	switch c.Protocol {
	case ProtocolTCP, ProtocolRTU, ProtocolASCII:
	default:
		return ErrInvalidADU
	}
	if c.TimeoutPolling <= 0 || c.TimeoutResponse <= 0 {
		return ErrInvalidADU
	}
	return nil
}

// defaultMultiplier fills in a default multiplier of 1 when the
// configuration left it at its zero value.
func (c ConversionConfig) defaultMultiplier() float64 {
	if c.Multiplier == 0 {
		return 1
	}
	return c.Multiplier
}

// defaultEndian fills in a default endian of big_endian.
func (c ConversionConfig) defaultEndian() Endian {
	if c.Endian == "" {
		return BigEndian
	}
	return c.Endian
}
