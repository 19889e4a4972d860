package utils

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

func GetRandomUserAgent() string {
	return userAgents[time.Now().UnixNano()%int64(len(userAgents))]
}

// NumberedPath returns "name-(index).ext" next to outputPath, or outputPath
// itself for index 0.
func NumberedPath(outputPath string, index int) string {
	if index == 0 {
		return outputPath
	}
	dir := filepath.Dir(outputPath)
	base := filepath.Base(outputPath)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	return filepath.Join(dir, fmt.Sprintf("%s-(%d)%s", name, index, ext))
}

func ParseHeaderArgs(headers []string) map[string]string {
	result := make(map[string]string)
	for _, header := range headers {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			result[key] = value
		}
	}
	return result
}

// SplitProxyAuth removes user info from a proxy URL and returns it
// separately. Unparseable URLs are returned unchanged.
func SplitProxyAuth(proxyURL string) (string, string, string) {
	parsed, err := url.Parse(proxyURL)
	if err != nil || parsed.User == nil {
		return proxyURL, "", ""
	}
	username := parsed.User.Username()
	password, _ := parsed.User.Password()
	parsed.User = nil
	return parsed.String(), username, password
}
