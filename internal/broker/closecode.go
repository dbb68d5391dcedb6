package broker

import "github.com/coder/websocket"

// closeCode names the application-specific close codes the broker uses,
// per spec.md §6 ("Transport close codes: semantics, not wire values").
// coder/websocket reserves 4000+ for application use; the exact numbers
// carry no meaning to the client beyond the reason string sent alongside
// them, but stable values let client-side tooling branch on them without
// string-matching the reason.
type closeCode websocket.StatusCode

const (
	CloseNormal             closeCode = 4000
	CloseUserExit           closeCode = 4001
	ClosePolicy             closeCode = 4002
	CloseInvalidCredentials closeCode = 4003
	CloseInvalidSession     closeCode = 4004
	CloseResumeDenied       closeCode = 4005
)

func (c closeCode) reason(msg string) (websocket.StatusCode, string) {
	return websocket.StatusCode(c), msg
}
