package courier

// Reserved envelope header keys used by the payload policy. PrepareOutbound
// owns these keys on the wire: any caller-supplied values are stripped
// before the policy writes its own, so a header can never describe a body
// it does not match.
const (
	// HeaderPayloadMode marks how the body travels: PayloadModeInline or
	// PayloadModeExternal. Absent means inline.
	HeaderPayloadMode = "payload.mode"

	// HeaderPayloadRef holds the payload store reference for an
	// externalized body.
	HeaderPayloadRef = "payload.ref"

	// HeaderPayloadSHA256 holds the lowercase hex SHA-256 digest of the
	// original, uncompressed body.
	HeaderPayloadSHA256 = "payload.sha256"

	// HeaderPayloadSize holds the original body size in bytes, as a
	// base-10 string. It is informational on the inbound path; integrity
	// comes from the digest.
	HeaderPayloadSize = "payload.size"

	// HeaderPayloadEncoding names the stored payload encoding. Only
	// PayloadEncodingGzip is produced; absence means the stored bytes are
	// the body verbatim.
	HeaderPayloadEncoding = "payload.encoding"

	// HeaderPayloadExpires holds the requested payload expiry as an
	// RFC 3339 UTC timestamp. Present only when an expiry was requested.
	HeaderPayloadExpires = "payload.expires"
)

// Values for HeaderPayloadMode.
const (
	PayloadModeInline   = "inline"
	PayloadModeExternal = "external"
)

// Values for HeaderPayloadEncoding.
const (
	PayloadEncodingGzip = "gzip"
)

// reservedPayloadHeaders lists every header key the payload policy owns.
var reservedPayloadHeaders = []string{
	HeaderPayloadMode,
	HeaderPayloadRef,
	HeaderPayloadSHA256,
	HeaderPayloadSize,
	HeaderPayloadEncoding,
	HeaderPayloadExpires,
}
