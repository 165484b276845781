package twilio

import (
	"fmt"
	"net/url"
	"strings"
)

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

func (c Config) say(text string) string {
	if c.Voice != "" {
		return fmt.Sprintf(`<Say voice="%s" language="%s">%s</Say>`, xmlEscape(c.Voice), xmlEscape(c.SpeechLanguage), xmlEscape(text))
	}
	return fmt.Sprintf(`<Say language="%s">%s</Say>`, xmlEscape(c.SpeechLanguage), xmlEscape(text))
}

// promptTwiml speaks text and listens for the reply. Silence still posts to the
// gather action so the dialogue can re-prompt.
func (c Config) promptTwiml(callID, text string) string {
	action := c.gatherURL() + "?" + url.Values{"call_id": {callID}}.Encode()
	return fmt.Sprintf(
		`<Response><Gather input="speech" action="%s" method="POST" speechTimeout="%s" language="%s" actionOnEmptyResult="true">%s</Gather>%s</Response>`,
		xmlEscape(action), xmlEscape(c.SpeechTimeout), xmlEscape(c.SpeechLanguage), c.say(text), c.holdVerb(),
	)
}

func (c Config) holdTwiml() string {
	return "<Response>" + c.holdVerb() + "</Response>"
}

func (c Config) holdVerb() string {
	return fmt.Sprintf(`<Pause length="%d"/>`, c.HoldSeconds)
}

func hangupTwiml() string {
	return `<Response><Hangup/></Response>`
}

func (c Config) farewellTwiml(text string) string {
	return "<Response>" + c.say(text) + "<Hangup/></Response>"
}
