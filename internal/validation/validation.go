// Package validation checks media sources and decides where outputs are written.
package validation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"unicode"

	"mediaenhancer/internal/video"
)

const (
	// Default maximum source size in bytes (4GB)
	MaxFileSizeBytes = 4 << 30
)

// SupportedInputFormats defines all supported source container formats
var SupportedInputFormats = []string{".mp4", ".mkv", ".mov", ".avi", ".webm", ".flv", ".wmv"}

// FileValidationResult contains detailed validation results
type FileValidationResult struct {
	Path         string
	IsValid      bool
	FileSize     int64
	ActualFormat string
	Duration     float64
	HasVideo     bool
	HasAudio     bool
	Resolution   string
	Warnings     []string
}

// Prober reads container metadata.
type Prober interface {
	Probe(ctx context.Context, path string) (*video.VideoInfo, error)
}

// getSystemDirectories returns platform-specific system directories to protect
func getSystemDirectories() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{
			"C:\\Windows",
			"C:\\Program Files",
			"C:\\Program Files (x86)",
			"C:\\System Volume Information",
			"C:\\ProgramData",
		}
	case "darwin":
		return []string{"/System", "/usr", "/bin", "/sbin", "/etc", "/private/etc", "/Applications"}
	default:
		return []string{"/etc", "/usr", "/bin", "/sbin", "/boot", "/sys", "/proc"}
	}
}

// getMaxPathLength returns platform-specific maximum path length
func getMaxPathLength() int {
	switch runtime.GOOS {
	case "windows":
		return 260
	case "linux":
		return 4096
	default:
		return 1024
	}
}

// normalizePathForComparison normalizes paths for cross-platform comparison
func normalizePathForComparison(path string) string {
	if runtime.GOOS == "windows" {
		return strings.ToLower(filepath.Clean(path))
	}
	return filepath.Clean(path)
}

// CleanPath trims whitespace and the quotes a file manager adds on drag and drop, and returns the
// absolute form of the path.
func CleanPath(input string) string {
	cleaned := strings.TrimSpace(input)
	if len(cleaned) >= 2 {
		if (cleaned[0] == '\'' && cleaned[len(cleaned)-1] == '\'') ||
			(cleaned[0] == '"' && cleaned[len(cleaned)-1] == '"') {
			cleaned = cleaned[1 : len(cleaned)-1]
		}
	}
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return ""
	}
	if abs, err := filepath.Abs(cleaned); err == nil {
		return filepath.Clean(abs)
	}
	return filepath.Clean(cleaned)
}

// ValidateSourcePath checks that input names a readable media file and returns its cleaned
// absolute path. maxBytes <= 0 uses MaxFileSizeBytes.
func ValidateSourcePath(input string, maxBytes int64) (string, error) {
	if maxBytes <= 0 {
		maxBytes = MaxFileSizeBytes
	}
	raw := strings.TrimSpace(input)
	if raw == "" {
		return "", errors.New("path cannot be empty")
	}
	if hasParentElement(raw) {
		return "", errors.New("path cannot contain '..' (directory traversal)")
	}

	path := CleanPath(raw)
	if path == "" {
		return "", errors.New("path cannot be empty after removing quotes")
	}
	if err := validatePathCharacters(path); err != nil {
		return "", err
	}

	fileInfo, err := os.Stat(path)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("file does not exist: %s", path)
	}
	if err != nil {
		return "", fmt.Errorf("cannot access file: %w", err)
	}
	if fileInfo.IsDir() {
		return "", fmt.Errorf("path points to a directory, not a file: %s", path)
	}
	if !fileInfo.Mode().IsRegular() {
		return "", fmt.Errorf("not a regular file: %s", path)
	}

	if !IsSupportedFormat(path) {
		return "", fmt.Errorf("unsupported file format: %s. Supported formats: %s",
			filepath.Ext(path), strings.Join(SupportedInputFormats, ", "))
	}

	if fileInfo.Size() == 0 {
		return "", errors.New("file is empty")
	}
	if fileInfo.Size() > maxBytes {
		sizeMB := float64(fileInfo.Size()) / (1024 * 1024)
		return "", fmt.Errorf("file size (%.1f MB) exceeds maximum allowed size of %d MB", sizeMB, maxBytes/(1024*1024))
	}

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("cannot read file: %w", err)
	}
	file.Close()

	return path, nil
}

// hasParentElement reports whether any element of path is "..". Names that merely contain two dots
// are fine.
func hasParentElement(path string) bool {
	parts := strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' })
	for _, part := range parts {
		if part == ".." {
			return true
		}
	}
	return false
}

// IsSupportedFormat reports whether the extension of path is an accepted source container.
func IsSupportedFormat(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, supported := range SupportedInputFormats {
		if ext == supported {
			return true
		}
	}
	return false
}

// Inspect validates path and probes its contents. Structural problems are errors; oddities that
// still allow processing are returned as warnings.
func Inspect(ctx context.Context, prober Prober, input string, maxBytes int64) (*FileValidationResult, error) {
	path, err := ValidateSourcePath(input, maxBytes)
	if err != nil {
		return nil, err
	}

	info, err := prober.Probe(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("content validation failed: %w", err)
	}

	result := &FileValidationResult{
		Path:         path,
		FileSize:     info.FileSize,
		ActualFormat: info.Format,
		Duration:     info.Duration,
		HasVideo:     info.HasVideo,
		HasAudio:     info.HasAudio,
	}
	if err := info.Video(); err != nil {
		return result, fmt.Errorf("content validation failed: %w", err)
	}
	result.Resolution = fmt.Sprintf("%dx%d", info.Width, info.Height)

	ext := strings.ToLower(filepath.Ext(path))
	if !validateFormatConsistency(ext, info.Format) {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("File extension '%s' may not match actual format '%s'", ext, info.Format))
	}
	if !info.HasAudio {
		result.Warnings = append(result.Warnings, "Source has no audio track - audio enhancement will fail")
	}
	if info.Duration > 0 && info.Duration < 0.1 {
		result.Warnings = append(result.Warnings, "Video is very short (less than 0.1 seconds)")
	}
	if info.Duration > 600 {
		result.Warnings = append(result.Warnings, "Video is long (over 10 minutes) - 4x enhancement may take a very long time")
	}
	if info.Width*info.Height > 1920*1080 {
		result.Warnings = append(result.Warnings, "Source is larger than 1080p - enhanced frames will be very large")
	}

	result.IsValid = true
	return result, nil
}

// validateFormatConsistency checks if file extension matches actual format
func validateFormatConsistency(extension, actualFormat string) bool {
	formatMappings := map[string][]string{
		".mp4":  {"mp4", "mov,mp4,m4a,3gp,3g2,mj2"},
		".mkv":  {"matroska,webm", "matroska"},
		".mov":  {"mov,mp4,m4a,3gp,3g2,mj2", "mov"},
		".avi":  {"avi"},
		".webm": {"matroska,webm", "webm"},
		".flv":  {"flv"},
		".wmv":  {"asf", "wmv"},
	}

	if expectedFormats, exists := formatMappings[extension]; exists {
		for _, expectedFormat := range expectedFormats {
			if strings.Contains(actualFormat, expectedFormat) {
				return true
			}
		}
	}
	return false
}

// EnsureDir creates dir when missing and checks that it is a writable directory outside the
// system locations.
func EnsureDir(dir string) error {
	path := CleanPath(dir)
	if path == "" {
		return errors.New("directory path cannot be empty")
	}
	if err := validatePathSecurity(path); err != nil {
		return fmt.Errorf("security validation failed: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", path, err)
	}
	stat, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot access directory: %w", err)
	}
	if !stat.IsDir() {
		return fmt.Errorf("not a directory: %s", path)
	}
	if err := checkWritePermission(path); err != nil {
		return fmt.Errorf("cannot write to %s: %w", path, err)
	}
	return nil
}

// ValidateLayout ensures every storage directory is usable.
func ValidateLayout(dirs ...string) error {
	for _, dir := range dirs {
		if err := EnsureDir(dir); err != nil {
			return err
		}
	}
	return nil
}

// OutputPaths derives the video and audio output paths for a job in processedDir:
// <stem>_<jobid8>.mp4 and <stem>_<jobid8>_audio.mp4.
func OutputPaths(processedDir, sourcePath, jobID string) (videoPath, audioPath string) {
	stem := SanitizeStem(strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath)))
	id := strings.ReplaceAll(jobID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	if id != "" {
		stem += "_" + id
	}
	return filepath.Join(processedDir, stem+".mp4"), filepath.Join(processedDir, stem+"_audio.mp4")
}

// SanitizeStem turns a downloaded title into a file name stem safe on every platform.
func SanitizeStem(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.TrimSpace(name) {
		ok := unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '.'
		if !ok {
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
			continue
		}
		b.WriteRune(r)
		lastUnderscore = false
	}
	stem := strings.Trim(b.String(), "._")
	if len(stem) > 100 {
		stem = strings.TrimRight(stem[:100], "._")
	}
	if stem == "" {
		return "video"
	}
	return stem
}

// checkWritePermission tests if we can create a file in dir
func checkWritePermission(dir string) error {
	file, err := os.CreateTemp(dir, ".mediaenhancer_write_test_*")
	if err != nil {
		return fmt.Errorf("no write permission: %w", err)
	}
	name := file.Name()
	file.Close()
	os.Remove(name)
	return nil
}

// validatePathSecurity performs additional security checks
func validatePathSecurity(absPath string) error {
	if err := validatePathCharacters(absPath); err != nil {
		return err
	}

	maxLen := getMaxPathLength()
	if len(absPath) > maxLen {
		return fmt.Errorf("path too long (max %d characters)", maxLen)
	}

	normalizedPath := normalizePathForComparison(absPath)
	for _, sysDir := range getSystemDirectories() {
		normalizedSysDir := normalizePathForComparison(sysDir)
		if normalizedPath == normalizedSysDir || strings.HasPrefix(normalizedPath, normalizedSysDir+string(filepath.Separator)) {
			return fmt.Errorf("cannot write to system directory: %s", sysDir)
		}
	}
	return nil
}

// validatePathCharacters checks for invalid characters based on OS
func validatePathCharacters(path string) error {
	if runtime.GOOS == "windows" {
		// The volume name carries a legitimate colon.
		rest := strings.TrimPrefix(path, filepath.VolumeName(path))
		for _, char := range []string{"<", ">", ":", "\"", "|", "?", "*"} {
			if strings.Contains(rest, char) {
				return fmt.Errorf("path contains invalid character: %s", char)
			}
		}

		baseName := strings.ToUpper(filepath.Base(path))
		if idx := strings.LastIndex(baseName, "."); idx != -1 {
			baseName = baseName[:idx]
		}
		reservedNames := []string{
			"CON", "PRN", "AUX", "NUL",
			"COM1", "COM2", "COM3", "COM4", "COM5", "COM6", "COM7", "COM8", "COM9",
			"LPT1", "LPT2", "LPT3", "LPT4", "LPT5", "LPT6", "LPT7", "LPT8", "LPT9",
		}
		for _, reserved := range reservedNames {
			if baseName == reserved {
				return fmt.Errorf("path uses reserved Windows name: %s", reserved)
			}
		}
	}

	if strings.Contains(path, "\x00") {
		return errors.New("path contains null bytes")
	}
	return nil
}
