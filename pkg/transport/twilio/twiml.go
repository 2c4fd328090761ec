package twilio

import (
	"encoding/xml"
	"fmt"
	"net/http"
)

// twimlResponse is the TwiML answer that points an incoming call at the
// media stream websocket.
type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
	Pause   *twimlPause  `xml:"Pause,omitempty"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type twimlPause struct {
	Length int `xml:"length,attr"`
}

// TwiML renders the document that connects a call to streamURL. params are
// delivered back as custom parameters in the start envelope.
func TwiML(streamURL string, params map[string]string) ([]byte, error) {
	resp := twimlResponse{Connect: twimlConnect{Stream: twimlStream{URL: streamURL}}}
	for k, v := range params {
		resp.Connect.Stream.Parameters = append(resp.Connect.Stream.Parameters, twimlParameter{Name: k, Value: v})
	}
	body, err := xml.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("twilio: render twiml: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// TwiMLHandler answers Twilio's voice webhook. The stream URL is derived
// from the request host unless streamURL is set.
func TwiMLHandler(streamURL, path string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := streamURL
		if target == "" {
			target = "wss://" + r.Host + path
		}
		params := map[string]string{}
		if err := r.ParseForm(); err == nil {
			for _, k := range []string{"From", "To", "CallSid"} {
				if v := r.PostForm.Get(k); v != "" {
					params[k] = v
				}
			}
		}
		body, err := TwiML(target, params)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write(body)
	})
}
