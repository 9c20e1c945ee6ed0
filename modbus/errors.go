package modbus

import "github.com/cockroachdb/errors"

var (
	ErrInsufficientRegisters = errors.New("not enough registers for requested format width")
	ErrUnknownFormat         = errors.New("unknown value format")
	ErrInvalidCRC            = errors.New("RTU frame failed CRC-16 verification")
	ErrInvalidADU            = errors.New("malformed application data unit")
	ErrUnitMismatch          = errors.New("response unit/slave id does not match request")
	ErrFunctionMismatch      = errors.New("response function code does not match request")
	ErrByteCountMismatch     = errors.New("response byte count does not match expected size")
	ErrExceptionResponse     = errors.New("slave returned exception response")
	ErrAddressOutOfRange     = errors.New("mapping address/size exceeds register space")
	ErrMapDisabled           = errors.New("map disabled due to overlapping coverage")
	ErrVariableDisabled      = errors.New("conversion variable disabled due to cell overlap")
	ErrSizeCapExceeded       = errors.New("requested quantity exceeds per-function size cap")
)

// Exception is a Modbus exception code, the low 7 bits of the response
// byte when the high bit (0x80) of the function code is set.
type Exception byte

const (
	ExceptionIllegalFunction    Exception = 0x01
	ExceptionIllegalDataAddress Exception = 0x02
	ExceptionIllegalDataValue   Exception = 0x03
	ExceptionSlaveDeviceFailure Exception = 0x04
	ExceptionAcknowledge        Exception = 0x05
	ExceptionSlaveDeviceBusy    Exception = 0x06
)

func (e Exception) Error() string {
	switch e {
	case ExceptionIllegalFunction:
		return "illegal function"
	case ExceptionIllegalDataAddress:
		return "illegal data address"
	case ExceptionIllegalDataValue:
		return "illegal data value"
	case ExceptionSlaveDeviceFailure:
		return "slave device failure"
	case ExceptionAcknowledge:
		return "acknowledge"
	case ExceptionSlaveDeviceBusy:
		return "slave device busy"
	default:
		return "unknown exception"
	}
}
