// Package extraction defines the message schema exchanged with the content
// renderer for scrape modifiers.
//
// A scrape fire injects a script tagged with the widget id and incarnation.
// The script reports back exactly one Message through a one-way binding; the
// widget id embedded at injection time is the only correlation key. Nothing
// pairs a result with its fire, results may be lost, and a result may arrive
// after its widget was deleted or recreated.
package extraction

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hazyhaar/widgetd/widget"
)

// BindingName is the page-global function the script calls to deliver its
// result.
const BindingName = "__widgetd_extraction"

// maxValueLen caps a stored value. Longer text is truncated.
const maxValueLen = 64 << 10

// Request asks the renderer to evaluate Selector inside a widget's surface.
type Request struct {
	WidgetID    string
	Incarnation string
	Selector    string
}

// Message is the payload a renderer delivers for one extraction.
type Message struct {
	WidgetID    string  `json:"widget_id"`
	Incarnation string  `json:"incarnation_id,omitempty"`
	Value       *string `json:"value"`
	Error       *string `json:"error"`
	Timestamp   int64   `json:"timestamp"`
}

// Found returns a successful message for req.
func Found(req Request, value string, at time.Time) Message {
	return Message{WidgetID: req.WidgetID, Incarnation: req.Incarnation, Value: &value, Timestamp: at.UnixMilli()}
}

// Failed returns an error message for req.
func Failed(req Request, reason string, at time.Time) Message {
	return Message{WidgetID: req.WidgetID, Incarnation: req.Incarnation, Error: &reason, Timestamp: at.UnixMilli()}
}

// Validate checks the closed shape of a message: a widget id and at most one
// of value and error.
func (m Message) Validate() error {
	if err := widget.ValidateID(m.WidgetID); err != nil {
		return err
	}
	if m.Value != nil && m.Error != nil && *m.Value != "" && *m.Error != "" {
		return &widget.ValidationError{Field: "extraction", Reason: "both value and error set"}
	}
	if m.Timestamp < 0 {
		return &widget.ValidationError{Field: "timestamp", Reason: "negative"}
	}
	return nil
}

// Record converts m into a history record. A missing timestamp is stamped
// with now. Values are whitespace-normalized.
func (m Message) Record(now time.Time) widget.ExtractionRecord {
	r := widget.ExtractionRecord{
		WidgetID:    m.WidgetID,
		Incarnation: m.Incarnation,
		Timestamp:   m.Timestamp,
	}
	if r.Timestamp == 0 {
		r.Timestamp = now.UnixMilli()
	}
	if m.Error != nil && *m.Error != "" {
		r.Error = *m.Error
	} else if m.Value != nil {
		r.Value = Normalize(*m.Value)
	}
	return r
}

// Decode parses and validates a binding payload.
func Decode(payload string) (Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return Message{}, fmt.Errorf("extraction: decode payload: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Encode serializes m the way the injected script does.
func Encode(m Message) string {
	b, _ := json.Marshal(m)
	return string(b)
}

// Normalize trims and collapses layout whitespace in an extracted value and
// caps its length on a rune boundary. The value is text as the renderer read
// it; angle brackets and entities are kept as they are.
func Normalize(v string) string {
	v = strings.Join(strings.Fields(v), " ")
	if len(v) <= maxValueLen {
		return v
	}
	cut := maxValueLen
	for cut > 0 && !utf8.RuneStart(v[cut]) {
		cut--
	}
	return v[:cut]
}

// Script returns the JavaScript function evaluated in the surface for req.
// It never throws: failures are reported through the binding as error
// messages.
func Script(req Request) string {
	meta, _ := json.Marshal(map[string]string{
		"widget_id":      req.WidgetID,
		"incarnation_id": req.Incarnation,
	})
	sel, _ := json.Marshal(req.Selector)
	return fmt.Sprintf(`() => {
	const meta = %s;
	const send = (value, error) => {
		const msg = Object.assign({}, meta, {value: value, error: error, timestamp: Date.now()});
		const fn = window[%q];
		if (typeof fn === "function") fn(JSON.stringify(msg));
	};
	try {
		const el = document.querySelector(%s);
		if (!el) {
			send(null, "no element matches selector");
			return;
		}
		send((el.innerText !== undefined ? el.innerText : el.textContent) || "", null);
	} catch (e) {
		send(null, String(e && e.message ? e.message : e));
	}
}`, meta, BindingName, sel)
}
