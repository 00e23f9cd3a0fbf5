package bundle

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrImagingUnavailable is logged when ChangeIcon runs without an image
// capability.
var ErrImagingUnavailable = errors.New("image processing is not available")

// Imaging decodes, scales and encodes icon images.
type Imaging interface {
	Open(path string) (image.Image, error)
	Resize(img image.Image, width, height int) image.Image
	// Save writes img as PNG.
	Save(img image.Image, path string) error
}

// StdImaging decodes PNG, JPEG, GIF, BMP, TIFF and WebP and scales with
// Catmull-Rom resampling.
type StdImaging struct{}

func (StdImaging) Open(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}

func (StdImaging) Resize(img image.Image, width, height int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}

func (StdImaging) Save(img image.Image, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return f.Close()
}

// Icon sizes written into the bundle root.
const (
	phoneIconPoints  = 60
	tabletIconPoints = 76
	phoneIconPixels  = 120
	tabletIconPixels = 152
)

// ChangeIcon replaces the bundle's primary phone and tablet icons with the
// image at imagePath. scratchDir holds the intermediate PNG. Without an
// image capability it logs and returns without touching the bundle.
func (a *App) ChangeIcon(imagePath, scratchDir string) error {
	if a.imaging == nil {
		a.logger.Warn("icon not changed", "error", ErrImagingUnavailable)
		return nil
	}

	source := filepath.Join(scratchDir, "icon.png")
	if strings.EqualFold(filepath.Ext(imagePath), ".png") {
		if err := copyRegularFile(imagePath, source); err != nil {
			return fmt.Errorf("failed to copy icon: %w", err)
		}
	} else {
		img, err := a.imaging.Open(imagePath)
		if err != nil {
			return fmt.Errorf("failed to open icon: %w", err)
		}
		if err := a.imaging.Save(img, source); err != nil {
			return fmt.Errorf("failed to convert icon: %w", err)
		}
	}

	uid, err := iconID()
	if err != nil {
		return err
	}
	phone := fmt.Sprintf("%s%dx%d", uid, phoneIconPoints, phoneIconPoints)
	tablet := fmt.Sprintf("%s%dx%d", uid, tabletIconPoints, tabletIconPoints)

	img, err := a.imaging.Open(source)
	if err != nil {
		return fmt.Errorf("failed to open icon: %w", err)
	}
	outputs := []struct {
		name string
		size int
	}{
		{phone + "@2x.png", phoneIconPixels},
		{tablet + "@2x~ipad.png", tabletIconPixels},
	}
	for _, out := range outputs {
		resized := a.imaging.Resize(img, out.size, out.size)
		if err := a.imaging.Save(resized, filepath.Join(a.root, out.name)); err != nil {
			return fmt.Errorf("failed to write %s: %w", out.name, err)
		}
	}

	if err := a.manifest.Merge("CFBundleIcons", map[string]interface{}{
		"CFBundlePrimaryIcon": map[string]interface{}{
			"CFBundleIconFiles": []interface{}{phone},
			"CFBundleIconName":  uid,
		},
	}); err != nil {
		return err
	}
	if err := a.manifest.Merge("CFBundleIcons~ipad", map[string]interface{}{
		"CFBundlePrimaryIcon": map[string]interface{}{
			"CFBundleIconFiles": []interface{}{phone, tablet},
			"CFBundleIconName":  uid,
		},
	}); err != nil {
		return err
	}

	if err := a.manifest.Persist(); err != nil {
		return err
	}
	a.logger.Info("updated app icon", "name", uid)
	return nil
}

// iconID returns a fresh asset name prefix. Asset catalog names may not end
// in a digit, hence the trailing letter.
func iconID() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate icon name: %w", err)
	}
	return "bk_" + hex.EncodeToString(buf)[:7] + "a", nil
}

func copyRegularFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
