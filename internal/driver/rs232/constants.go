// internal/driver/rs232/constants.go
package rs232

// Function IDs of the RS232 Bricklet 2.0
const (
	FunctionWriteLowLevel         uint8 = 1
	FunctionReadLowLevel          uint8 = 2
	FunctionEnableReadCallback    uint8 = 3
	FunctionDisableReadCallback   uint8 = 4
	FunctionIsReadCallbackEnabled uint8 = 5
	FunctionSetConfiguration      uint8 = 6
	FunctionGetConfiguration      uint8 = 7
	FunctionSetBreakCondition     uint8 = 8
	FunctionSetBufferConfig       uint8 = 9
	FunctionGetBufferConfig       uint8 = 10
	FunctionGetBufferStatus       uint8 = 11
	FunctionGetSPITFPErrorCount   uint8 = 234
	FunctionSetStatusLEDConfig    uint8 = 239
	FunctionGetStatusLEDConfig    uint8 = 240
	FunctionGetChipTemperature    uint8 = 242
	FunctionReset                 uint8 = 243
	FunctionGetIdentity           uint8 = 255

	CallbackReadLowLevel uint8 = 12
	CallbackError        uint8 = 13
)

// Stream limits
const (
	ChunkSize        = 60
	MaxMessageLength = 0xFFFF
	// NoDataOffset is the chunk offset ReadLowLevel answers with an empty stream
	NoDataOffset = 0xFFFF
	// MaxBreakCondition is the longest break the bricklet can hold, in ms
	MaxBreakCondition = 0xFFFF
)
