package logutil

import (
    "bytes"
    "encoding/json"
    "log"
    "strings"
    "testing"
)

func TestTextLevels(t *testing.T) {
    var buf bytes.Buffer
    l := Named(log.New(&buf, "", 0), "client")
    SetDebug(false)
    Debugf(l, "hidden %d", 1)
    Infof(l, "hello %s", "x")
    Warnf(l, "careful")
    out := buf.String()
    if strings.Contains(out, "hidden") { t.Fatalf("debug line written while disabled: %q", out) }
    if !strings.Contains(out, "[client] INFO hello x") { t.Fatalf("missing info line: %q", out) }
    if !strings.Contains(out, "[client] WARN careful") { t.Fatalf("missing warn line: %q", out) }

    SetDebug(true)
    defer SetDebug(false)
    Debugf(l, "shown")
    if !strings.Contains(buf.String(), "DEBUG shown") { t.Fatalf("missing debug line: %q", buf.String()) }
}

func TestJSONMode(t *testing.T) {
    var buf bytes.Buffer
    SetJSON(true)
    defer SetJSON(false)
    Errorf(Named(log.New(&buf, "", 0), "server"), "boom %d", 7)
    var evt map[string]any
    if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &evt); err != nil { t.Fatalf("not json: %q: %v", buf.String(), err) }
    if evt["level"] != "error" || evt["msg"] != "boom 7" || evt["component"] != "server" { t.Fatalf("evt = %v", evt) }
}
