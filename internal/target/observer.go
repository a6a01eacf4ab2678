package target

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"
)

// bindingName is the callback channel the in-page observer pushes
// notifications through.
const bindingName = "__clawbridgeNotify"

// installTimeout bounds one observer (re)installation.
const installTimeout = 10 * time.Second

// NotifyFunc receives parsed UI-change notifications.
type NotifyFunc func(kind, text string)

// Observer installs a change-observer inside the target and forwards its
// notifications. The in-page observer does not survive a reload or a
// reconnect of the channel, so it is reinstalled on every successful
// reopen; the installation itself is idempotent within one target session,
// guarded by a marker the page retains.
type Observer struct {
	client *Client
	notify NotifyFunc
	off    func()
}

// NewObserver wires an observer to the client's connection. Notifications
// flow as soon as the connection is open and Start has installed the
// in-page half.
func NewObserver(client *Client, notify NotifyFunc) *Observer {
	o := &Observer{client: client, notify: notify}
	o.off = client.Conn().On("Runtime.bindingCalled", o.onBindingCalled)
	client.Conn().OnOpen(o.install)
	return o
}

// Stop detaches the notification listener. The in-page observer is left
// behind; it dies with the target's session.
func (o *Observer) Stop() {
	if o.off != nil {
		o.off()
		o.off = nil
	}
}

// install (re)installs the binding and the in-page observer. Failures are
// swallowed: the next reconnect retries, and until then the poll-based path
// still works.
func (o *Observer) install() {
	ctx, cancel := context.WithTimeout(context.Background(), installTimeout)
	defer cancel()

	if _, err := o.client.conn.Call(ctx, "Runtime.enable", nil); err != nil {
		log.Printf("observer: enable runtime: %v", err)
		return
	}
	if _, err := o.client.conn.Call(ctx, "Runtime.addBinding", map[string]any{"name": bindingName}); err != nil {
		log.Printf("observer: add binding: %v", err)
		return
	}
	if _, err := o.client.Evaluate(ctx, o.installSnippet()); err != nil {
		log.Printf("observer: install page observer: %v", err)
	}
}

// installSnippet builds the idempotent in-page installer: a marker on the
// window object makes a second install within one session a no-op.
func (o *Observer) installSnippet() string {
	return fmt.Sprintf(`(() => {
	if (window.__clawbridgeObserver) return "already-installed";
	const notify = (kind, text) => {
		try { window.%s(JSON.stringify({ kind, text })); } catch (e) {}
	};
	const observer = new MutationObserver(() => {
		const el = document.querySelector(%s);
		if (el) notify("response", el.innerText);
	});
	observer.observe(document.body, { childList: true, subtree: true, characterData: true });
	window.__clawbridgeObserver = observer;
	return "installed";
})()`, bindingName, jsString(o.client.responseSelector()))
}

// onBindingCalled handles the callback channel. Payloads that do not parse
// as {kind, text} are dropped silently.
func (o *Observer) onBindingCalled(event string, params json.RawMessage) {
	var call struct {
		Name    string `json:"name"`
		Payload string `json:"payload"`
	}
	if err := json.Unmarshal(params, &call); err != nil || call.Name != bindingName {
		return
	}

	var note struct {
		Kind string `json:"kind"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(call.Payload), &note); err != nil || note.Kind == "" {
		return
	}
	o.notify(note.Kind, note.Text)
}
