package authhttp

// Bucket names used by kcbridge endpoints.
const (
	RLExchange     = "kcbridge_exchange"
	RLSSOStart     = "kcbridge_sso_start"
	RLSSOCallback  = "kcbridge_sso_callback"
	RLSessionRead  = "kcbridge_session_read"
	RLSessionClear = "kcbridge_session_clear"
)
