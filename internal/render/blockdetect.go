package render

import "strings"

// BlockType describes the kind of anti-bot block detected on a rendered page.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockForbidden  BlockType = "forbidden"
	BlockEmptyShell BlockType = "empty_shell"
)

// minRenderedBodyBytes is the smallest body a real store page produces after
// rendering; anything under it is treated as a block shell.
const minRenderedBodyBytes = 512

// DetectBlock checks a rendered page for signs of anti-bot protection:
// captcha text, an HTTP 403 status, or an unusually small body.
func DetectBlock(statusCode int, html string) (bool, BlockType) {
	if statusCode == 403 {
		return true, BlockForbidden
	}

	lower := strings.ToLower(html)

	// Cloudflare challenge page markers.
	if strings.Contains(lower, "checking your browser") ||
		strings.Contains(lower, "cf-browser-verification") ||
		(strings.Contains(lower, "cloudflare") && strings.Contains(lower, "challenge")) {
		return true, BlockCloudflare
	}

	// Captcha markers, including the pt-BR challenge wording.
	if strings.Contains(lower, "captcha") ||
		strings.Contains(lower, "recaptcha") ||
		strings.Contains(lower, "hcaptcha") ||
		strings.Contains(lower, "não sou um robô") ||
		strings.Contains(lower, "verifique que você é humano") {
		return true, BlockCaptcha
	}

	if len(html) < minRenderedBodyBytes {
		return true, BlockEmptyShell
	}

	return false, BlockNone
}
