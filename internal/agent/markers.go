package agent

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Tool-call marker syntax.
//
// The orchestrator delivers a whole agentic exchange as one flat text
// stream. Each executed tool call is embedded in that stream as:
//
//	[TOOL_CALL]
//	[TOOL_NAME]get_weather[/TOOL_NAME]
//	[TOOL_ARGS]eyJjaXR5IjoiT3NsbyJ9[/TOOL_ARGS]
//	<result body>
//	[/TOOL_CALL]
//
// The argument payload is the raw JSON argument text, base64-encoded
// (standard alphabet, with padding) so arbitrary argument bytes cannot
// collide with the marker tags. The result body is the tool's raw text
// output, tail-truncated to a line budget, or a single markdown image
// line when the result is a base64 image. These byte sequences are a
// wire format for downstream renderers; do not change them.
const (
	markerCallStart = "\n[TOOL_CALL]\n"
	markerNameOpen  = "[TOOL_NAME]"
	markerNameClose = "[/TOOL_NAME]\n"
	markerArgsOpen  = "[TOOL_ARGS]"
	markerArgsClose = "[/TOOL_ARGS]\n"
	markerCallEnd   = "\n[/TOOL_CALL]\n"
)

// EncodeToolCall renders one complete tool-call block.
func EncodeToolCall(name, argsJSON, resultBody string) string {
	var b strings.Builder
	b.WriteString(markerCallStart)
	b.WriteString(markerNameOpen)
	b.WriteString(name)
	b.WriteString(markerNameClose)
	b.WriteString(markerArgsOpen)
	b.WriteString(base64.StdEncoding.EncodeToString([]byte(argsJSON)))
	b.WriteString(markerArgsClose)
	b.WriteString(resultBody)
	b.WriteString(markerCallEnd)
	return b.String()
}

// EncodeCallHeader renders the opening half of a tool-call block (start
// tag through argument end tag). The orchestrator streams this before
// executing the call, the result body as it becomes available, and
// EncodeCallEnd afterwards.
func EncodeCallHeader(name, argsJSON string) string {
	var b strings.Builder
	b.WriteString(markerCallStart)
	b.WriteString(markerNameOpen)
	b.WriteString(name)
	b.WriteString(markerNameClose)
	b.WriteString(markerArgsOpen)
	b.WriteString(base64.StdEncoding.EncodeToString([]byte(argsJSON)))
	b.WriteString(markerArgsClose)
	return b.String()
}

// EncodeCallEnd renders the closing tag of a tool-call block.
func EncodeCallEnd() string {
	return markerCallEnd
}

// ParsedCall is one tool call recovered from a marker-bearing stream.
type ParsedCall struct {
	Name      string
	Arguments string // decoded JSON argument text
	Result    string
}

// ParseToolCalls extracts every tool-call block from a flat output
// stream. Blocks that are structurally broken (missing tags, bad
// base64) are skipped; text outside blocks is ignored.
func ParseToolCalls(stream string) []ParsedCall {
	var calls []ParsedCall
	rest := stream
	for {
		start := strings.Index(rest, markerCallStart)
		if start < 0 {
			return calls
		}
		rest = rest[start+len(markerCallStart):]

		end := strings.Index(rest, markerCallEnd)
		if end < 0 {
			return calls
		}
		block := rest[:end]
		rest = rest[end+len(markerCallEnd):]

		call, err := parseBlock(block)
		if err != nil {
			continue
		}
		calls = append(calls, call)
	}
}

func parseBlock(block string) (ParsedCall, error) {
	name, after, err := cutTagged(block, markerNameOpen, markerNameClose)
	if err != nil {
		return ParsedCall{}, err
	}
	encoded, result, err := cutTagged(after, markerArgsOpen, markerArgsClose)
	if err != nil {
		return ParsedCall{}, err
	}
	args, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return ParsedCall{}, fmt.Errorf("decode arguments: %w", err)
	}
	return ParsedCall{
		Name:      name,
		Arguments: string(args),
		Result:    result,
	}, nil
}

// cutTagged extracts the text between open and close, returning it and
// everything after close.
func cutTagged(s, open, close string) (inner, after string, err error) {
	_, tail, ok := strings.Cut(s, open)
	if !ok {
		return "", "", fmt.Errorf("missing %s", strings.TrimSpace(open))
	}
	inner, after, ok = strings.Cut(tail, close)
	if !ok {
		return "", "", fmt.Errorf("missing %s", strings.TrimSpace(close))
	}
	return inner, after, nil
}

// truncateTail bounds a result body to maxLines, keeping the final
// lines. Tool output tends to put the interesting part (summary, error,
// exit status) at the end.
func truncateTail(body string, maxLines int) string {
	if maxLines <= 0 {
		return body
	}
	lines := strings.Split(body, "\n")
	if len(lines) <= maxLines {
		return body
	}
	omitted := len(lines) - maxLines
	kept := lines[omitted:]
	return fmt.Sprintf("... (%d lines omitted)\n%s", omitted, strings.Join(kept, "\n"))
}

// imageMarkdown renders a base64 image result as one markdown line.
func imageMarkdown(mimeType, data string) string {
	if mimeType == "" {
		mimeType = "image/png"
	}
	return fmt.Sprintf("![tool result](data:%s;base64,%s)", mimeType, data)
}
