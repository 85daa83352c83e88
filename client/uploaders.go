package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type ImageType string

const (
	InputImageType  ImageType = "input"
	TempImageType   ImageType = "temp"
	OutputImageType ImageType = "output"
)

// AssetRole says what an uploaded asset stands for in a generation.
type AssetRole string

const (
	RoleImage AssetRole = "image"
	RoleMask  AssetRole = "mask"
	RoleOther AssetRole = "other"
)

// InputTarget names a node input that should receive an uploaded filename.
type InputTarget struct {
	NodeID string
	Input  string
}

// Asset is a binary blob to upload before a prompt is queued. Targets are
// rewritten to the name the server assigns.
type Asset struct {
	Name      string
	Data      []byte
	Type      ImageType
	Subfolder string
	Overwrite bool
	Role      AssetRole
	Targets   []InputTarget
}

// AssetFromPath reads a file into an Asset.
func AssetFromPath(path string, role AssetRole, targets ...InputTarget) (Asset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Asset{}, err
	}
	return Asset{
		Name:      filepath.Base(path),
		Data:      data,
		Type:      InputImageType,
		Overwrite: true,
		Role:      role,
		Targets:   targets,
	}, nil
}

// AssetFromImage encodes img as PNG.
func AssetFromImage(img image.Image, filename string, role AssetRole, targets ...InputTarget) (Asset, error) {
	var buffer bytes.Buffer
	if err := png.Encode(&buffer, img); err != nil {
		return Asset{}, err
	}
	return Asset{
		Name:      filepath.Base(filename),
		Data:      buffer.Bytes(),
		Type:      InputImageType,
		Overwrite: true,
		Role:      role,
		Targets:   targets,
	}, nil
}

// UploadAsset uploads a single asset and returns the server-side filename.
func (c *ComfyClient) UploadAsset(ctx context.Context, asset Asset) (string, error) {
	filetype := asset.Type
	if filetype == "" {
		filetype = InputImageType
	}
	name, err := c.UploadFileFromReader(ctx, bytes.NewReader(asset.Data), asset.Name, asset.Overwrite, filetype, asset.Subfolder)
	if err != nil {
		return "", err
	}
	// the server reports subfolder separately; inputs reference "sub/name"
	if asset.Subfolder != "" && !strings.Contains(name, "/") {
		name = asset.Subfolder + "/" + name
	}
	return name, nil
}

// UploadFileFromReader posts r to /upload/image. Any failure is an *UploadError.
func (c *ComfyClient) UploadFileFromReader(ctx context.Context, r io.Reader, filename string, overwrite bool, filetype ImageType, subfolder string) (string, error) {
	fail := func(status int, err error) (string, error) {
		return "", &UploadError{Asset: filename, StatusCode: status, Err: err}
	}

	var requestBody bytes.Buffer
	writer := multipart.NewWriter(&requestBody)

	formFile, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return fail(0, err)
	}
	if _, err := io.Copy(formFile, r); err != nil {
		return fail(0, err)
	}

	_ = writer.WriteField("overwrite", strconv.FormatBool(overwrite))
	_ = writer.WriteField("type", string(filetype))
	if subfolder != "" {
		_ = writer.WriteField("subfolder", subfolder)
	}
	if err := writer.Close(); err != nil {
		return fail(0, err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/upload/image", nil, writer.FormDataContentType(), &requestBody)
	if err != nil {
		return fail(0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(0, &NetworkError{Op: "POST /upload/image", Err: err})
	}
	if resp.StatusCode != http.StatusOK {
		return fail(resp.StatusCode, fmt.Errorf("%s", strings.TrimSpace(string(body))))
	}

	var data struct {
		Name      string `json:"name"`
		Subfolder string `json:"subfolder"`
		Type      string `json:"type"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return fail(resp.StatusCode, fmt.Errorf("decode upload response: %w", err))
	}
	if data.Name == "" {
		return fail(resp.StatusCode, fmt.Errorf("invalid response format"))
	}

	c.logger.Debug("uploaded asset", "asset", filename, "name", data.Name, "subfolder", data.Subfolder)

	// the server may have renamed the file to avoid a collision
	return data.Name, nil
}

func (c *ComfyClient) UploadFileFromPath(ctx context.Context, filePath string, overwrite bool, filetype ImageType, subfolder string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	return c.UploadFileFromReader(ctx, file, filepath.Base(filePath), overwrite, filetype, subfolder)
}
