// Package rawbody performs byte-level JSON mutation on upstream request
// bodies without full re-serialization, so every byte before an insertion
// point survives untouched and the upstream's prompt-prefix cache keeps
// hitting. Read-only field lookups use tidwall/gjson (whose Result.Index
// gives an absolute byte offset into the original buffer); the mutations
// themselves are hand-rolled string-aware bracket counting, grounded on
// the forwarding shape of a generic reverse proxy rather than on gjson/
// sjson, neither of which guarantees exact byte-for-byte prefix
// preservation.
package rawbody

import (
	"bytes"
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// errUnbalanced is returned internally when bracket matching runs off the
// end of the buffer; callers translate it into an ok=false result.
var errUnbalanced = errors.New("rawbody: unbalanced brackets")

// matchBracket scans forward from openIdx (which must hold '[' or '{') and
// returns the index of its matching closing bracket, skipping over the
// contents of JSON strings (respecting \" escapes) and ignoring the other
// bracket type entirely, per spec: "skip over JSON strings when counting
// brackets, regardless of array depth."
func matchBracket(body []byte, openIdx int) (int, error) {
	if openIdx < 0 || openIdx >= len(body) {
		return -1, errUnbalanced
	}
	open := body[openIdx]
	var closeB byte
	switch open {
	case '[':
		closeB = ']'
	case '{':
		closeB = '}'
	default:
		return -1, errUnbalanced
	}

	depth := 0
	inString := false
	escaped := false
	for i := openIdx; i < len(body); i++ {
		c := body[i]
		if inString {
			if escaped {
				escaped = false
				continue
			}
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case closeB:
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}
	return -1, errUnbalanced
}

// isEmptyArray reports whether a gjson Raw string is an array with no
// elements, ignoring surrounding whitespace.
func isEmptyArray(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	return trimmed == "[]"
}

// spliceAt returns a new buffer with insertion inserted immediately before
// body[at], preserving every byte before and after verbatim.
func spliceAt(body []byte, at int, insertion string) []byte {
	out := make([]byte, 0, len(body)+len(insertion))
	out = append(out, body[:at]...)
	out = append(out, insertion...)
	out = append(out, body[at:]...)
	return out
}

// escapeJSONString escapes text for embedding inside an existing JSON
// string literal (the text is NOT wrapped in quotes by this function).
func escapeJSONString(text string) string {
	replacer := strings.NewReplacer(
		`\`, `\\`,
		`"`, `\"`,
		"\n", `\n`,
	)
	return replacer.Replace(text)
}

// findPrecedingKeyQuote locates the byte offset of the opening quote of a
// `"key"` token that appears anywhere before valueIdx in body. It scans
// backward for the last literal occurrence, which is correct because
// gjson has already told us valueIdx is the key's value position, so the
// nearest preceding occurrence of the quoted key is that key's token.
func findPrecedingKeyQuote(body []byte, key string, beforeIdx int) int {
	if beforeIdx > len(body) {
		beforeIdx = len(body)
	}
	needle := []byte(`"` + key + `"`)
	return bytes.LastIndex(body[:beforeIdx], needle)
}

// InjectArrayTextBlockTyped appends `,{"type":"<blockType>","text":
// "<escaped>"}` before the closing bracket of the top-level arrayKey
// array (e.g. "system" for Claude). blockType lets a protocol whose
// content blocks use different type tags (Codex's "input_text") reuse the
// same splice logic. Returns ok=false if arrayKey is absent or not an
// array.
func InjectArrayTextBlockTyped(body []byte, arrayKey, blockType, text string) ([]byte, bool) {
	field := gjson.GetBytes(body, arrayKey)
	if !field.Exists() || field.Index == 0 || !field.IsArray() {
		return body, false
	}
	closeIdx, err := matchBracket(body, field.Index)
	if err != nil {
		return body, false
	}
	insertion := `,{"type":"` + blockType + `","text":"` + escapeJSONString(text) + `"}`
	if isEmptyArray(field.Raw) {
		insertion = insertion[1:] // drop leading comma
	}
	return spliceAt(body, closeIdx, insertion), true
}

// InjectArrayTextBlock is InjectArrayTextBlockTyped with blockType "text",
// the Claude-style block shape.
func InjectArrayTextBlock(body []byte, arrayKey, text string) ([]byte, bool) {
	return InjectArrayTextBlockTyped(body, arrayKey, "text", text)
}

// InjectSystemText appends a text block to the request's top-level
// "system" array. Returns ok=false (never mutating body) if "system" is
// absent or not an array — callers should escalate to object-level
// injection or log and forward the original bytes unchanged per the
// injection-failure policy.
func InjectSystemText(body []byte, text string) ([]byte, bool) {
	return InjectArrayTextBlock(body, "system", text)
}

// InjectStringField inserts "\n\n<escaped>" before the closing quote of a
// top-level string field (e.g. Codex's plain-string "instructions").
// Returns ok=false if key is absent or its value isn't a JSON string.
func InjectStringField(body []byte, key, text string) ([]byte, bool) {
	field := gjson.GetBytes(body, key)
	if !field.Exists() || field.Index == 0 || field.Type != gjson.String {
		return body, false
	}
	closeQuoteIdx := field.Index + len(field.Raw) - 1
	insertion := `\n\n` + escapeJSONString(text)
	return spliceAt(body, closeQuoteIdx, insertion), true
}

// injectIntoMessageContent appends text to msg's "content" field: string
// content gets "\n\n<escaped>" inserted before the closing quote; array
// content gets a new `{"type":"<blockType>","text":...}` block appended
// before its closing bracket.
func injectIntoMessageContent(body []byte, msg gjson.Result, blockType, text string) ([]byte, bool) {
	content := msg.Get("content")
	if !content.Exists() || content.Index == 0 {
		return body, false
	}

	switch {
	case content.Type == gjson.String:
		// content.Raw includes the surrounding quotes; Index is the
		// offset of the opening quote, so the closing quote sits at
		// Index + len(Raw) - 1.
		closeQuoteIdx := content.Index + len(content.Raw) - 1
		insertion := `\n\n` + escapeJSONString(text)
		return spliceAt(body, closeQuoteIdx, insertion), true
	case content.IsArray():
		closeIdx, err := matchBracket(body, content.Index)
		if err != nil {
			return body, false
		}
		insertion := `,{"type":"` + blockType + `","text":"\n\n` + escapeJSONString(text) + `"}`
		if isEmptyArray(content.Raw) {
			insertion = insertion[1:]
		}
		return spliceAt(body, closeIdx, insertion), true
	default:
		return body, false
	}
}

// InjectLastRoleTextTyped appends text to the content of the last element
// of the top-level messagesKey array whose "role" field equals role.
func InjectLastRoleTextTyped(body []byte, messagesKey, role, blockType, text string) ([]byte, bool) {
	messages := gjson.GetBytes(body, messagesKey)
	if !messages.Exists() || !messages.IsArray() {
		return body, false
	}

	var last gjson.Result
	found := false
	messages.ForEach(func(_, value gjson.Result) bool {
		if value.Get("role").String() == role {
			last = value
			found = true
		}
		return true
	})
	if !found {
		return body, false
	}

	return injectIntoMessageContent(body, last, blockType, text)
}

// InjectTextAtIndexTyped appends text to the content of the element at the
// given zero-based index of the top-level messagesKey array. Unlike
// InjectLastRoleTextTyped this targets a message by position rather than by
// role, which is what replaying several independent historical injections
// in sequence needs: each call re-parses the buffer the previous call
// produced, so the untouched bytes around every other position stay
// byte-for-byte identical to what was sent upstream before.
func InjectTextAtIndexTyped(body []byte, messagesKey string, index int, blockType, text string) ([]byte, bool) {
	messages := gjson.GetBytes(body, messagesKey)
	if !messages.Exists() || !messages.IsArray() {
		return body, false
	}
	arr := messages.Array()
	if index < 0 || index >= len(arr) {
		return body, false
	}
	return injectIntoMessageContent(body, arr[index], blockType, text)
}

// InjectLastRoleText is InjectLastRoleTextTyped with blockType "text", the
// Claude-style block shape.
func InjectLastRoleText(body []byte, messagesKey, role, text string) ([]byte, bool) {
	return InjectLastRoleTextTyped(body, messagesKey, role, "text", text)
}

// InjectUserText appends text to the content of the last message whose
// role is "user" in the top-level "messages" array (Claude-style).
func InjectUserText(body []byte, text string) ([]byte, bool) {
	return InjectLastRoleText(body, "messages", "user", text)
}

// InjectToolInto adds a tool definition (toolJSON is a complete JSON
// object) to the request's top-level toolsKey array, creating the array
// (inserted directly before `"<anchorKey>":`) if absent.
func InjectToolInto(body []byte, toolsKey, toolJSON, anchorKey string) ([]byte, bool) {
	tools := gjson.GetBytes(body, toolsKey)
	if tools.Exists() && tools.Index != 0 && tools.IsArray() {
		closeIdx, err := matchBracket(body, tools.Index)
		if err != nil {
			return body, false
		}
		insertion := toolJSON
		if !isEmptyArray(tools.Raw) {
			insertion = "," + insertion
		}
		return spliceAt(body, closeIdx, insertion), true
	}

	anchor := gjson.GetBytes(body, anchorKey)
	if !anchor.Exists() || anchor.Index == 0 {
		return body, false
	}
	keyIdx := findPrecedingKeyQuote(body, anchorKey, anchor.Index)
	if keyIdx < 0 {
		return body, false
	}
	insertion := `"` + toolsKey + `":[` + toolJSON + `],`
	return spliceAt(body, keyIdx, insertion), true
}

// InjectTool adds a tool definition to the request's top-level "tools"
// array (Claude-style), anchored before "messages" when the array is
// absent.
func InjectTool(body []byte, toolJSON string) ([]byte, bool) {
	return InjectToolInto(body, "tools", toolJSON, "messages")
}

// KeepAliveMutateArray inserts element just before the closing bracket of
// the top-level arrayKey array, using the same string-aware bracket
// counting as the other mutators.
func KeepAliveMutateArray(body []byte, arrayKey, element string) ([]byte, bool) {
	field := gjson.GetBytes(body, arrayKey)
	if !field.Exists() || field.Index == 0 || !field.IsArray() {
		return body, false
	}
	closeIdx, err := matchBracket(body, field.Index)
	if err != nil {
		return body, false
	}
	insertion := "," + element
	if isEmptyArray(field.Raw) {
		insertion = element
	}
	return spliceAt(body, closeIdx, insertion), true
}

// KeepAliveMutate inserts a minimal `{"role":"user","content":"."}` entry
// just before the closing bracket of the "messages" array. max_tokens and
// stream are deliberately left untouched by callers so the cached prefix
// survives the keep-alive.
func KeepAliveMutate(body []byte) ([]byte, bool) {
	return KeepAliveMutateArray(body, "messages", `{"role":"user","content":"."}`)
}

