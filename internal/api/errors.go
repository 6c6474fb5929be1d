package api

// Protocol error codes. The range is contiguous and part of the wire
// contract; errors travel in the JSON envelope with HTTP 200.
const (
	ErrUnknown                 = 450
	ErrUsePost                 = 451
	ErrMissingRequest          = 452
	ErrInvalidJSON             = 453
	ErrInvalidJSONObject       = 454
	ErrMissingMandatoryElement = 455
	ErrInvalidRequestPath      = 456
	ErrUnknownRequest          = 457
	ErrSessionNotFound         = 458
	ErrHandleNotFound          = 459
	ErrPluginNotFound          = 460
	ErrPluginAttach            = 461
	ErrPluginDetach            = 462
	ErrPluginMessage           = 463
	ErrJSEPUnknownType         = 464
	ErrJSEPInvalidSDP          = 465
)
