package telegram

import (
	"fmt"
	"io"
	"net/url"

	"github.com/yeqown/go-qrcode/v2"
	"github.com/yeqown/go-qrcode/writer/standard"
)

// DeepLink is the t.me link that opens the bot with "/start <userID>",
// which links the chat to the user.
func DeepLink(botUsername, userID string) string {
	return fmt.Sprintf("https://t.me/%s?start=%s", url.PathEscape(botUsername), url.QueryEscape(userID))
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// WriteQRCode writes link as a PNG QR code.
func WriteQRCode(w io.Writer, link string) error {
	qrc, err := qrcode.New(link)
	if err != nil {
		return fmt.Errorf("failed to encode QR code: %w", err)
	}

	qw := standard.NewWithWriter(nopCloser{w},
		standard.WithQRWidth(8),
		standard.WithBorderWidth(16),
		standard.WithBuiltinImageEncoder(standard.PNG_FORMAT),
	)
	if err := qrc.Save(qw); err != nil {
		return fmt.Errorf("failed to render QR code: %w", err)
	}
	return nil
}
