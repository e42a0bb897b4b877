package surrogate

import (
	"fmt"
	"strconv"
)

// statusText maps the handful of status codes this surrogate ever
// returns to their reason phrases (spec.md §4.6 error responses).
var statusText = map[int]string{
	200: "OK",
	400: "Bad Request",
	403: "Forbidden",
	405: "Method Not Allowed",
	411: "Length Required",
	413: "Payload Too Large",
	426: "Upgrade Required",
	501: "Not Implemented",
}

const postMessageHTML = `<!DOCTYPE html><html><body><script>
window.parent.postMessage('qio:disabled', '*');
</script></body></html>`

// buildResponse renders a full HTTP/1.1 response with the fixed header
// set spec.md §4.6 mandates for every surrogate response.
func buildResponse(status int, contentType string, body []byte, keepAlive bool) []byte {
	conn := "Keep-Alive"
	if !keepAlive {
		conn = "close"
	}

	header := fmt.Sprintf(
		"HTTP/1.1 %d %s\r\n"+
			"Content-Type: %s\r\n"+
			"Content-Length: %s\r\n"+
			"Cache-Control: private, max-age=0\r\n"+
			"Expires: -1\r\n"+
			"Connection: %s\r\n"+
			"Keep-Alive: timeout=60\r\n\r\n",
		status, statusText[status], contentType, strconv.Itoa(len(body)), conn,
	)
	return append([]byte(header), body...)
}

func errorResponse(status int, keepAlive bool) []byte {
	if status == 501 {
		return buildResponse(501, "text/html", []byte(postMessageHTML), keepAlive)
	}
	return buildResponse(status, "text/plain", nil, keepAlive)
}

func textResponse(body []byte, keepAlive bool) []byte {
	return buildResponse(200, "text/plain", body, keepAlive)
}

const iframeHTML = `<!DOCTYPE html><html><body><script>
document.domain = document.domain;
</script></body></html>`

func iframeResponse(publicAddress string, keepAlive bool) []byte {
	return buildResponse(200, "text/html", []byte(iframeHTML), keepAlive)
}
