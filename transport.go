package relaynet

import (
	"context"
	"fmt"

	"github.com/luciancaetano/relaynet/internal/protocol"
)

// NewMessage builds an envelope. data must marshal to a JSON object; nil
// becomes {}.
func NewMessage(typ string, data any) (Message, error) {
	return protocol.NewMessage(typ, data)
}

// SendMessage encodes msg and writes it to t.
func SendMessage(ctx context.Context, t Transport, msg Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("%s: %w", ErrFailedToEncode, err)
	}
	return t.Send(ctx, data)
}

// HandleError reports err to the peer as a $ERROR message. message, when
// set, replaces err's text. A nil err is reported as "Unexpected error".
func HandleError(ctx context.Context, t Transport, err error, message string) error {
	data := protocol.ErrorData{Message: ErrUnexpected}
	if err != nil {
		data.Message = err.Error()
		if message != "" {
			data.Message = message
		}
	}

	msg, encErr := protocol.NewMessage(TypeError, data)
	if encErr != nil {
		return encErr
	}
	return SendMessage(ctx, t, msg)
}
