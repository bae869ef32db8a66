package main

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/Zynh0722/nyazoom/internal/core"
)

func main() {
	args := os.Args[1:]

	parsedPaths, err := core.ParseArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Usage: nyazoom <files and directories...>\n")
		os.Exit(1)
	}

	files, err := core.CollectFiles(parsedPaths)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	server := os.Getenv("NYAZOOM_SERVER")
	if server == "" {
		server = "http://localhost:3000"
	}

	result, err := upload(server, files)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Upload failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Uploaded %d file(s)\n\n", len(files))
	fmt.Printf("  %s\n\n", result.DownloadURL)
	fmt.Printf("downloads remaining: %d, expires: %s\n",
		result.DownloadsRemaining,
		result.ExpiresAt.Local().Format(time.RFC1123),
	)
}

type uploadResult struct {
	Token              string    `json:"token"`
	DownloadURL        string    `json:"download_url"`
	DownloadsRemaining int       `json:"downloads_remaining"`
	ExpiresAt          time.Time `json:"expires_at"`
}

// upload streams the files to the server as one multipart request. An
// io.Pipe couples the form writer to the HTTP body, so memory use
// stays flat regardless of file sizes.
func upload(server string, files []string) (*uploadResult, error) {
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)

	go func() {
		err := writeParts(form, files)
		if err == nil {
			err = form.Close()
		}
		pw.CloseWithError(err)
	}()

	resp, err := http.Post(server+"/upload", form.FormDataContentType(), pr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("server: %s", apiErr.Error)
		}
		return nil, fmt.Errorf("server returned %s", resp.Status)
	}

	var result uploadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &result, nil
}

func writeParts(form *multipart.Writer, files []string) error {
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return err
		}

		part, err := form.CreateFormFile("file", filepath.Base(path))
		if err != nil {
			f.Close()
			return err
		}
		if _, err := io.Copy(part, f); err != nil {
			f.Close()
			return err
		}
		f.Close()
	}
	return nil
}
