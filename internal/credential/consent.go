package credential

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/matheus3301/gmarchive/internal/bus"
	qrcode "github.com/skip2/go-qrcode"
	"golang.org/x/oauth2"
)

// Authorize runs the interactive consent flow: it prints the consent URL
// (with a QR code for a phone), reads the authorization code from in,
// exchanges it and stores the token.
func (p *Provider) Authorize(ctx context.Context, in io.Reader, out io.Writer) (*oauth2.Token, error) {
	state := uuid.NewString()
	url := p.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	p.bus.Emit(bus.KindAuthURL, url)

	fmt.Fprintf(out, "Open the following link in your browser and authorize read-only access:\n\n%s\n\n", url)
	fmt.Fprint(out, renderQR(url))
	fmt.Fprint(out, "\nPaste the authorization code: ")

	code, err := readCode(in)
	if err != nil {
		return nil, err
	}
	tok, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve token from web: %w", err)
	}
	if err := p.store.Save(tok); err != nil {
		return nil, fmt.Errorf("save token: %w", err)
	}

	p.mu.Lock()
	p.token = tok
	p.mu.Unlock()
	return tok, nil
}

// readCode accepts either the bare code or the whole redirect URL.
func readCode(in io.Reader) (string, error) {
	sc := bufio.NewScanner(in)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", fmt.Errorf("read authorization code: %w", err)
		}
		return "", fmt.Errorf("read authorization code: no input")
	}
	code := strings.TrimSpace(sc.Text())
	if _, after, ok := strings.Cut(code, "code="); ok {
		code, _, _ = strings.Cut(after, "&")
	}
	if code == "" {
		return "", fmt.Errorf("empty authorization code")
	}
	return code, nil
}

// renderQR converts a string to a compact QR code using Unicode half-block
// characters. Two bitmap rows become one terminal line.
func renderQR(content string) string {
	qr, err := qrcode.New(content, qrcode.Low)
	if err != nil {
		return "  (QR generation failed: " + err.Error() + ")\n"
	}
	qr.DisableBorder = false

	bitmap := qr.Bitmap()
	rows := len(bitmap)
	cols := 0
	if rows > 0 {
		cols = len(bitmap[0])
	}

	var sb strings.Builder
	for y := 0; y < rows; y += 2 {
		sb.WriteString("  ")
		for x := 0; x < cols; x++ {
			top := bitmap[y][x]
			bot := y+1 < rows && bitmap[y+1][x]
			switch {
			case top && bot:
				sb.WriteRune('█')
			case top:
				sb.WriteRune('▀')
			case bot:
				sb.WriteRune('▄')
			default:
				sb.WriteRune(' ')
			}
		}
		sb.WriteRune('\n')
	}
	return sb.String()
}
