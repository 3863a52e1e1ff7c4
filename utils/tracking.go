package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// TrackingToken derives a verifiable token for a message id so tracking
// endpoints can reject forged hits.
func TrackingToken(messageID, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(messageID))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))[:20]
}

// ValidTrackingToken checks a token against the message id it claims.
func ValidTrackingToken(messageID, token, secret string) bool {
	return hmac.Equal([]byte(token), []byte(TrackingToken(messageID, secret)))
}

// GenerateTrackingPixelURL generates a tracking pixel URL for email opens
func GenerateTrackingPixelURL(baseURL, messageID, secret string) string {
	return fmt.Sprintf("%s/track/open/%s/%s", baseURL, messageID, TrackingToken(messageID, secret))
}

// GenerateClickTrackURL generates a tracked URL for links
func GenerateClickTrackURL(baseURL, messageID, originalURL, secret string) string {
	encodedURL := url.QueryEscape(originalURL)
	return fmt.Sprintf("%s/track/click/%s/%s?url=%s",
		baseURL, messageID, TrackingToken(messageID, secret), encodedURL)
}

// InjectTracking injects open and click tracking into email content
func InjectTracking(htmlContent, baseURL, messageID, secret string) string {
	pixelURL := GenerateTrackingPixelURL(baseURL, messageID, secret)
	trackingPixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`, pixelURL)

	modifiedHTML := injectClickTracking(htmlContent, baseURL, messageID, secret)

	return modifiedHTML + trackingPixel
}

func injectClickTracking(html, baseURL, messageID, secret string) string {
	// Simplified rewrite; a proper HTML parser is overkill for the link
	// shapes templates produce.
	startTag := `<a href="`
	endTag := `"`
	offset := 0

	for {
		startIdx := strings.Index(html[offset:], startTag)
		if startIdx == -1 {
			break
		}
		startIdx += offset + len(startTag)

		endIdx := strings.Index(html[startIdx:], endTag)
		if endIdx == -1 {
			break
		}
		endIdx += startIdx

		originalURL := html[startIdx:endIdx]
		trackedURL := GenerateClickTrackURL(baseURL, messageID, originalURL, secret)

		html = html[:startIdx] + trackedURL + html[endIdx:]
		offset = startIdx + len(trackedURL)
	}

	return html
}
