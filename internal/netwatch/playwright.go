package netwatch

import (
	"github.com/playwright-community/playwright-go"
)

// Attach feeds a page's network traffic into w. Responses are recorded when
// their headers arrive; requests that fail at the network level are recorded
// with Failure set so a Wait does not hang on a connection error.
func Attach(page playwright.Page, w *Watcher) {
	page.OnResponse(func(resp playwright.Response) {
		call := callFromRequest(resp.Request())
		call.Status = resp.Status()
		w.Observe(call)
	})
	page.OnRequestFailed(func(req playwright.Request) {
		call := callFromRequest(req)
		if failure := req.Failure(); failure != nil {
			call.Failure = failure.Error()
		} else {
			call.Failure = "request failed"
		}
		w.Observe(call)
	})
}

func callFromRequest(req playwright.Request) Call {
	headers := req.Headers()
	body, err := req.PostData()
	if err != nil {
		body = ""
	}
	return Call{
		Method:      req.Method(),
		URL:         req.URL(),
		ContentType: headers["content-type"],
		RequestBody: body,
		Headers:     headers,
	}
}
