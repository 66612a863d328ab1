package pathsafety

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikido/herdctl/internal/errs"
)

func TestBuildSafeFilePathAcceptsValidIdentifier(t *testing.T) {
	base := t.TempDir()

	p, err := BuildSafeFilePath(base, "job-2026-01-01-ab12", "yaml")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "job-2026-01-01-ab12.yaml"), p)
}

func TestBuildSafeFilePathRejectsTraversalPattern(t *testing.T) {
	base := t.TempDir()

	_, err := BuildSafeFilePath(base, "../../../etc/passwd", "")
	require.Error(t, err)

	var pathErr *errs.PathTraversalError
	require.ErrorAs(t, err, &pathErr)
	assert.Equal(t, "../../../etc/passwd", pathErr.Identifier)
}

func TestBuildSafeFilePathRejectsEmptyAndDotIdentifiers(t *testing.T) {
	base := t.TempDir()

	for _, bad := range []string{"", ".", "-leading-dash", "has/slash", "has space"} {
		_, err := BuildSafeFilePath(base, bad, "yaml")
		assert.Errorf(t, err, "expected identifier %q to be rejected", bad)
	}
}

func TestAtomicWriteAndReadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.yaml")

	type doc struct {
		Name string `yaml:"name"`
	}

	require.NoError(t, AtomicWriteYAML(path, doc{Name: "agent-a"}))

	var got doc
	require.NoError(t, ReadYAML(path, &got))
	assert.Equal(t, "agent-a", got.Name)
}

func TestReadYAMLEmptyFileYieldsZeroValue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))

	var got map[string]string
	require.NoError(t, ReadYAML(path, &got))
	assert.Nil(t, got)
}

func TestReadLineDelimitedDropsTrailingIncompleteLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "output.log")
	require.NoError(t, os.WriteFile(path, []byte("{\"a\":1}\n{\"a\":2}\n{\"a\":3"), 0o644))

	lines, skipped, err := ReadLineDelimited(path, false, nil)
	require.NoError(t, err)
	assert.Len(t, lines, 2)
	assert.Equal(t, 1, skipped)
}

func TestReadLineDelimitedMissingFileYieldsEmptySequence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.log")

	lines, skipped, err := ReadLineDelimited(path, false, nil)
	require.NoError(t, err)
	assert.Empty(t, lines)
	assert.Zero(t, skipped)
}

func TestReadLineDelimitedSkipInvalidMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "output.log")
	require.NoError(t, os.WriteFile(path, []byte("ok-1\nbad\nok-2\n"), 0o644))

	validate := func(line []byte) error {
		if string(line) == "bad" {
			return assertErr{}
		}
		return nil
	}

	lines, skipped, err := ReadLineDelimited(path, true, validate)
	require.NoError(t, err)
	assert.Len(t, lines, 2)
	assert.Equal(t, 1, skipped)
}

type assertErr struct{}

func (assertErr) Error() string { return "invalid line" }

func TestAppendLineIsOrderPreserving(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "output.log")

	for i := 0; i < 5; i++ {
		require.NoError(t, AppendLine(path, []byte(string(rune('a'+i)))))
	}

	lines, skipped, err := ReadLineDelimited(path, false, nil)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, lines, 5)
	for i, line := range lines {
		assert.Equal(t, string(rune('a'+i)), string(line))
	}
}
