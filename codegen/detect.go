package codegen

import (
	"encoding/json"
	"path"
	"regexp"
	"sort"
	"strings"
)

// Runtime identifies the backend process family of a generated stack.
const (
	RuntimePython = "python"
	RuntimeNode   = "node"
)

// fallbackEntrypoint is used when no server file can be identified at all.
const fallbackEntrypoint = "modernized_stack/backend/main.py"

var pythonEntrypoints = map[string]bool{
	"main.py": true, "app.py": true, "server.py": true, "run.py": true, "api.py": true,
}

var nodeEntrypoints = map[string]bool{
	"server.js": true, "index.js": true, "backend.js": true, "api.js": true,
}

func isFrontendPath(p string) bool {
	low := strings.ToLower(p)
	return strings.Contains(low, "frontend") || strings.Contains(low, "client") || strings.Contains(low, "public")
}

func looksClientSide(content string) bool {
	return strings.Contains(content, "document.") ||
		strings.Contains(content, "window.") ||
		strings.Contains(content, "addEventListener") ||
		strings.Contains(content, "getElementById")
}

// DetectEntrypoint picks the backend entrypoint and runtime from the
// generated artifact set. A requirements.txt or any .py file biases toward
// python; node server files are accepted only when their content is not
// client-side code.
func DetectEntrypoint(artifacts []Artifact) (entrypoint, runtime string) {
	hasPython := false
	for _, a := range artifacts {
		if strings.HasSuffix(a.Path, "requirements.txt") || strings.HasSuffix(a.Path, ".py") {
			hasPython = true
			break
		}
	}

	if hasPython {
		for _, a := range artifacts {
			if isFrontendPath(a.Path) {
				continue
			}
			if pythonEntrypoints[path.Base(a.Path)] {
				return a.Path, RuntimePython
			}
		}
		for _, a := range artifacts {
			low := strings.ToLower(a.Path)
			if strings.HasSuffix(a.Path, ".py") && (strings.Contains(low, "backend") || strings.Contains(low, "api")) {
				return a.Path, RuntimePython
			}
		}
	}

	for _, a := range artifacts {
		if isFrontendPath(a.Path) {
			continue
		}
		if nodeEntrypoints[path.Base(a.Path)] || strings.HasSuffix(a.Path, "server.js") {
			if !looksClientSide(a.Content) {
				return a.Path, RuntimeNode
			}
		}
	}

	// Fallbacks: any .py wins over node, node only with a package.json.
	var firstPy string
	hasPackageJSON := false
	for _, a := range artifacts {
		if strings.HasSuffix(a.Path, ".py") {
			if firstPy == "" {
				firstPy = a.Path
			}
			if strings.Contains(strings.ToLower(a.Path), "backend") {
				return a.Path, RuntimePython
			}
		}
		if strings.HasSuffix(a.Path, "package.json") {
			hasPackageJSON = true
		}
	}
	if firstPy != "" {
		return firstPy, RuntimePython
	}
	if hasPackageJSON {
		for _, a := range artifacts {
			low := strings.ToLower(a.Path)
			if strings.HasSuffix(a.Path, ".js") && (strings.Contains(low, "backend") || strings.Contains(low, "server")) && !looksClientSide(a.Content) {
				return a.Path, RuntimeNode
			}
		}
	}
	return fallbackEntrypoint, RuntimePython
}

// FrontendDir returns the directory holding a frontend package.json, empty
// when the generated stack has no frontend build.
func FrontendDir(artifacts []Artifact) string {
	for _, a := range artifacts {
		if path.Base(a.Path) == "package.json" && isFrontendPath(a.Path) {
			return path.Dir(a.Path)
		}
	}
	return ""
}

// importToPackage maps python import roots to installable package names.
// Generated code ships without a lockfile, so installs are inferred from
// source imports.
var importToPackage = map[string]string{
	"numpy":               "numpy",
	"pandas":              "pandas",
	"cv2":                 "opencv-python-headless",
	"PIL":                 "pillow",
	"sklearn":             "scikit-learn",
	"openai":              "openai",
	"fastapi":             "fastapi",
	"uvicorn":             "uvicorn",
	"flask":               "flask",
	"flask_cors":          "flask-cors",
	"sqlalchemy":          "sqlalchemy",
	"jose":                "python-jose[cryptography]",
	"jwt":                 "python-jose[cryptography]",
	"passlib":             "passlib[bcrypt]",
	"bcrypt":              "bcrypt==4.0.1",
	"multipart":           "python-multipart",
	"dotenv":              "python-dotenv",
	"requests":            "requests",
	"pydantic":            "pydantic",
	"email_validator":     "email-validator",
	"bs4":                 "beautifulsoup4",
	"aiofiles":            "aiofiles",
	"httpx":               "httpx",
	"google.generativeai": "google-generative-ai",
}

var (
	importRe     = regexp.MustCompile(`(?m)^\s*import\s+([\w.]+)`)
	fromImportRe = regexp.MustCompile(`(?m)^\s*from\s+([\w.]+)\s+import\s+(.+)$`)
)

// InferPythonDeps scans generated .py files for imports and returns the
// installable package list, sorted. The server stack basics are always
// included so a bare entrypoint still boots.
func InferPythonDeps(artifacts []Artifact) []string {
	detected := map[string]bool{
		"fastapi":          true,
		"uvicorn":          true,
		"python-multipart": true,
	}

	addRoot := func(module string) {
		root := strings.Split(module, ".")[0]
		if pkg, ok := importToPackage[root]; ok {
			detected[pkg] = true
		}
		if pkg, ok := importToPackage[module]; ok {
			detected[pkg] = true
		}
	}

	for _, a := range artifacts {
		if !strings.HasSuffix(a.Path, ".py") {
			continue
		}
		for _, m := range importRe.FindAllStringSubmatch(a.Content, -1) {
			addRoot(m[1])
		}
		for _, m := range fromImportRe.FindAllStringSubmatch(a.Content, -1) {
			addRoot(m[1])
			if strings.Split(m[1], ".")[0] == "pydantic" && strings.Contains(m[2], "EmailStr") {
				detected["pydantic[email]"] = true
				detected["email-validator"] = true
			}
		}
	}

	out := make([]string, 0, len(detected))
	for pkg := range detected {
		out = append(out, pkg)
	}
	sort.Strings(out)
	return out
}

// defaultNodeDeps covers the common generated express stack when no
// package.json made it into the artifact set.
var defaultNodeDeps = []string{
	"express", "mongoose", "cors", "dotenv", "bcrypt", "multer", "node-fetch", "xlsx", "cookie-parser",
}

// InferNodeDeps reads dependency names out of the backend package.json, or
// returns the default server stack when none parses.
func InferNodeDeps(artifacts []Artifact) []string {
	for _, a := range artifacts {
		if path.Base(a.Path) != "package.json" || isFrontendPath(a.Path) {
			continue
		}
		var pkg struct {
			Dependencies    map[string]string `json:"dependencies"`
			DevDependencies map[string]string `json:"devDependencies"`
		}
		if err := json.Unmarshal([]byte(a.Content), &pkg); err != nil {
			continue
		}
		var deps []string
		for name := range pkg.Dependencies {
			deps = append(deps, name)
		}
		for name := range pkg.DevDependencies {
			deps = append(deps, name)
		}
		if len(deps) > 0 {
			sort.Strings(deps)
			return deps
		}
	}
	return defaultNodeDeps
}
