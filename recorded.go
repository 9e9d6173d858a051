package recordcache

import (
	"net/http"
	"time"

	"github.com/record-cache/record-cache/cache"
	"github.com/record-cache/record-cache/recording"
	tee "github.com/record-cache/record-cache/pkg/response-writer-tee"
)

// serveRecorded handles one request of a client with an active recording
// session. The request still goes to the network as usual; the response body
// is duplicated so one copy reaches the live caller and one copy is buffered
// for the session. A transport failure aborts the whole session.
func (rc *RecordCache) serveRecorded(w http.ResponseWriter, r *http.Request, info *RequestInfo) {
	identity := info.URL.String()
	rc.recorder.RequestStarted(info.ClientID, identity)

	res, err := rc.fetch(r, info)
	if err != nil {
		rc.recorder.RequestFailed(info.ClientID, identity, err)
		http.Error(w, "Could not get response", http.StatusBadGateway)
		return
	}
	defer res.Body.Close()

	rw := tee.NewResponseSaver(w)
	w.Header().Set(statusHeader, "recording")
	if err := send(rw, res); err != nil {
		rc.recorder.RequestFailed(info.ClientID, identity, err)
		return
	}
	rc.recorder.ResponseResolved(info.ClientID, cache.Entry{
		Key:         identity,
		RequestedAt: rw.CreatedAt,
		ReceivedAt:  time.Now(),
		Bytes:       rw.Response(),
	}, res.StatusCode)
}

// Recorder exposes the recording controller, e.g. for embedding the proxy
// with custom control transports.
func (rc *RecordCache) Recorder() *recording.Controller {
	return rc.recorder
}
