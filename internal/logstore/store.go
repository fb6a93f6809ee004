// Package logstore persists captured step output for a pipeline run.
package logstore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	logFileNameTemplateConstant      = "%02d-%s.log"
	fallbackSegmentConstant          = "step"
	directoryPermissionsConstant     = 0o755
	filePermissionsConstant          = 0o644
	createDirectoryErrorTemplate     = "unable to create log directory %s: %w"
	writeLogErrorTemplate            = "unable to write step log %s: %w"
	digestErrorTemplate              = "unable to digest step log %s: %w"
	sanitizedSegmentSeparatorPattern = `[^a-z0-9._]+`
	jobSegmentTemplateConstant       = "%s-%s"
	jobSegmentDigestLengthConstant   = 8
)

var unsafeSegmentCharacters = regexp.MustCompile(sanitizedSegmentSeparatorPattern)

// Record locates a persisted step log.
type Record struct {
	Path   string
	Digest string
	Size   int
}

// Store writes step logs below <base>/<run identifier>. A Store with an empty base discards logs.
type Store struct {
	runDirectory string
}

// NewStore constructs a Store for one run.
func NewStore(baseDirectory string, runIdentifier string) *Store {
	trimmedBase := strings.TrimSpace(baseDirectory)
	if len(trimmedBase) == 0 {
		return &Store{}
	}
	return &Store{runDirectory: filepath.Join(trimmedBase, SanitizeSegment(runIdentifier))}
}

// Enabled reports whether logs are persisted.
func (store *Store) Enabled() bool {
	return store != nil && len(store.runDirectory) > 0
}

// RunDirectory returns the directory holding this run's logs.
func (store *Store) RunDirectory() string {
	if store == nil {
		return ""
	}
	return store.runDirectory
}

// Save writes output for the zero-based step index of job and returns its digest.
// Disabled stores return a Record carrying only the digest.
func (store *Store) Save(job string, stepIndex int, stepName string, output string) (Record, error) {
	digest, digestError := Digest([]byte(output))
	if digestError != nil {
		return Record{}, fmt.Errorf(digestErrorTemplate, stepName, digestError)
	}
	record := Record{Digest: digest, Size: len(output)}
	if !store.Enabled() {
		return record, nil
	}

	jobDirectory := filepath.Join(store.runDirectory, JobSegment(job))
	if mkdirError := os.MkdirAll(jobDirectory, directoryPermissionsConstant); mkdirError != nil {
		return Record{}, fmt.Errorf(createDirectoryErrorTemplate, jobDirectory, mkdirError)
	}

	logPath := filepath.Join(jobDirectory, fmt.Sprintf(logFileNameTemplateConstant, stepIndex+1, SanitizeSegment(stepName)))
	if writeError := os.WriteFile(logPath, []byte(output), filePermissionsConstant); writeError != nil {
		return Record{}, fmt.Errorf(writeLogErrorTemplate, logPath, writeError)
	}
	record.Path = logPath
	return record, nil
}

// Digest returns the hex blake3 digest of content.
func Digest(content []byte) (string, error) {
	hasher := blake3.New()
	if _, writeError := hasher.Write(content); writeError != nil {
		return "", writeError
	}
	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

// SanitizeSegment converts a display name into a lowercase path segment.
func SanitizeSegment(name string) string {
	sanitized := unsafeSegmentCharacters.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	sanitized = strings.Trim(sanitized, "-.")
	if len(sanitized) == 0 {
		return fallbackSegmentConstant
	}
	return sanitized
}

// JobSegment returns the directory name of a job. Names that do not survive
// sanitizing unchanged carry a digest suffix so distinct jobs never share a directory.
func JobSegment(job string) string {
	sanitized := SanitizeSegment(job)
	if sanitized == job {
		return sanitized
	}
	nameDigest, _ := Digest([]byte(job))
	return fmt.Sprintf(jobSegmentTemplateConstant, sanitized, nameDigest[:jobSegmentDigestLengthConstant])
}
