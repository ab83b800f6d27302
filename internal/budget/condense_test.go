package budget

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleGo = `package sample

import "fmt"

// Greeter greets people.
type Greeter struct {
	Name string
}

// Greet returns a greeting.
func (g *Greeter) Greet(who string) string {
	msg := fmt.Sprintf("hello %s, I am %s", who, g.Name)
	for i := 0; i < 3; i++ {
		msg += "!"
	}
	return msg
}

func helper() int {
	return 1
}
`

const sampleDiff = `diff --git a/server.go b/server.go
index 1111111..2222222 100644
--- a/server.go
+++ b/server.go
@@ -10,6 +10,14 @@ import (
+func (s *Server) Shutdown(ctx context.Context) error {
+	s.mu.Lock()
+	defer s.mu.Unlock()
+	for _, c := range s.conns {
+		c.Close()
+	}
+	return s.listener.Close()
+}
 type Server struct {
 	mu sync.Mutex
diff --git a/README.md b/README.md
index 3333333..4444444 100644
--- a/README.md
+++ b/README.md
@@ -1,2 +1,3 @@
 # Server
+Graceful shutdown.
`

func TestDetectKind(t *testing.T) {
	assert.Equal(t, KindGo, DetectKind(sampleGo))
	assert.Equal(t, KindDiff, DetectKind(sampleDiff))
	assert.Equal(t, KindText, DetectKind("just some prose"))
}

func TestCondenseFitsUnchanged(t *testing.T) {
	out, ok := Condense("small", KindAuto, 100, runeCount)
	assert.True(t, ok)
	assert.Equal(t, "small", out)
}

func TestCondenseGoElidesBodiesFirst(t *testing.T) {
	// Enough room for everything except the large Greet body.
	budget := runeCount(sampleGo) - 60

	out, ok := Condense(sampleGo, KindGo, budget, runeCount)
	require.True(t, ok)
	assert.LessOrEqual(t, runeCount(out), budget)

	assert.Contains(t, out, "func (g *Greeter) Greet(who string) string { ... }")
	assert.Contains(t, out, "type Greeter struct {\n\tName string\n}")
	assert.Contains(t, out, "return 1", "smaller body kept while the larger one suffices")
	assert.NotContains(t, out, TruncationMarker)
}

func TestCondenseGoFallsBackToTruncation(t *testing.T) {
	out, ok := Condense(sampleGo, KindGo, 60, runeCount)
	require.True(t, ok)
	assert.LessOrEqual(t, runeCount(out), 60)
	assert.Contains(t, out, TruncationMarker)
	assert.True(t, strings.HasPrefix(out, "package sample"))
}

func TestCondenseDiffKeepsHeadersAndSignatures(t *testing.T) {
	budget := runeCount(sampleDiff) - 80

	out, ok := Condense(sampleDiff, KindAuto, budget, runeCount)
	require.True(t, ok)
	assert.LessOrEqual(t, runeCount(out), budget)

	assert.Contains(t, out, "diff --git a/server.go b/server.go")
	assert.Contains(t, out, "@@ -10,6 +10,14 @@")
	assert.Contains(t, out, "+func (s *Server) Shutdown(ctx context.Context) error {")
	assert.Contains(t, out, " type Server struct {")
	assert.Contains(t, out, "lines elided")
	assert.NotContains(t, out, "s.listener.Close()")
	assert.Contains(t, out, "+Graceful shutdown.", "smaller hunk kept")
}

func TestCondenseHunk(t *testing.T) {
	got := condenseHunk([]string{
		"+func A() {\n",
		"+\tx := 1\n",
		"+\t_ = x\n",
		"+}\n",
		" type B struct{}\n",
	})
	assert.Equal(t, "+func A() {\n ... 3 lines elided\n type B struct{}\n", got)
}

func TestTruncateMiddleIsSymmetric(t *testing.T) {
	content := strings.Repeat("h", 50) + strings.Repeat("t", 50)
	budget := runeCount(TruncationMarker) + 20

	out, ok := truncateMiddle(content, budget, runeCount)
	require.True(t, ok)
	assert.Equal(t, strings.Repeat("h", 10)+TruncationMarker+strings.Repeat("t", 10), out)
}

func TestTruncateMiddleCannotFitMarker(t *testing.T) {
	content := strings.Repeat("x", 100)

	out, ok := truncateMiddle(content, 3, runeCount)
	assert.False(t, ok)
	assert.Equal(t, content, out, "content is returned, never dropped")
}
