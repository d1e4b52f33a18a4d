package wire

// Status is the numeric code carried by error instructions. The numbering is
// grouped by origin: 0x01xx for unsupported operations, 0x02xx for server and
// upstream failures, 0x03xx for client faults.
type Status int

const (
	StatusSuccess          Status = 0x0000
	StatusUnsupported      Status = 0x0100
	StatusServerError      Status = 0x0200
	StatusServerBusy       Status = 0x0201
	StatusUpstreamTimeout  Status = 0x0202
	StatusUpstreamError    Status = 0x0203
	StatusNotFound         Status = 0x0204
	StatusConflict         Status = 0x0205
	StatusClosed           Status = 0x0206
	StatusClientBadRequest Status = 0x0300
	StatusClientTimeout    Status = 0x0308
	StatusClientOverrun    Status = 0x030D
	StatusClientTooMany    Status = 0x031D
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusUnsupported:
		return "unsupported"
	case StatusServerError:
		return "server error"
	case StatusServerBusy:
		return "server busy"
	case StatusUpstreamTimeout:
		return "upstream timeout"
	case StatusUpstreamError:
		return "upstream error"
	case StatusNotFound:
		return "not found"
	case StatusConflict:
		return "conflict"
	case StatusClosed:
		return "closed"
	case StatusClientBadRequest:
		return "bad request"
	case StatusClientTimeout:
		return "client timeout"
	case StatusClientOverrun:
		return "client overrun"
	case StatusClientTooMany:
		return "too many connections"
	default:
		return "unknown"
	}
}
