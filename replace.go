package pngx

import "fmt"

// Sheet is a document-side image table keyed by image identity. At most one
// image is bound to any ID at a time; rebinding under a command swaps the
// binding atomically from the caller's point of view.
type Sheet struct {
	images map[ImageID]*Image
}

// NewSheet returns an empty image table.
func NewSheet() *Sheet {
	return &Sheet{images: make(map[ImageID]*Image)}
}

// Add binds img under its own ID. Adding an already-bound ID is an error.
func (s *Sheet) Add(img *Image) error {
	if img == nil {
		return fmt.Errorf("pngx: add nil image")
	}
	if _, ok := s.images[img.ID]; ok {
		return fmt.Errorf("pngx: image %d already bound", img.ID)
	}
	s.images[img.ID] = img

	return nil
}

// Image returns the image bound to id, or nil.
func (s *Sheet) Image(id ImageID) *Image {
	return s.images[id]
}

// replace unbinds oldID and binds img under img.ID.
func (s *Sheet) replace(oldID ImageID, img *Image) error {
	if _, ok := s.images[oldID]; !ok {
		return fmt.Errorf("pngx: image %d not bound", oldID)
	}
	if oldID != img.ID {
		if _, ok := s.images[img.ID]; ok {
			return fmt.Errorf("pngx: image %d already bound", img.ID)
		}
	}
	delete(s.images, oldID)
	s.images[img.ID] = img

	return nil
}

// ReplaceImage is a reversible command that swaps the image bound to an ID.
// It retains a full copy of whatever image it displaces, so undo and redo
// restore pixel buffers exactly. We cannot keep a live reference to the
// displaced image: other undo branches may modify or re-add the same image
// ID.
type ReplaceImage struct {
	sheet    *Sheet
	oldID    ImageID
	newID    ImageID
	newImage *Image // Held only until Execute, then released.
	copy     *Image
}

// NewReplaceImage prepares a command that replaces oldImage with newImage
// in sheet. The command takes ownership of newImage.
func NewReplaceImage(sheet *Sheet, oldImage, newImage *Image) *ReplaceImage {
	return &ReplaceImage{
		sheet:    sheet,
		oldID:    oldImage.ID,
		newID:    newImage.ID,
		newImage: newImage,
	}
}

// Execute swaps the old image out, keeping a copy of it for Undo.
func (c *ReplaceImage) Execute() error {
	old := c.sheet.Image(c.oldID)
	if old == nil {
		return fmt.Errorf("pngx: replace: image %d not bound", c.oldID)
	}

	c.copy = old.Clone()
	if err := c.sheet.replace(c.oldID, c.newImage); err != nil {
		return err
	}
	c.newImage = nil

	return nil
}

// Undo rebinds the retained copy under the old ID and keeps a copy of the
// new image for Redo.
func (c *ReplaceImage) Undo() error {
	cur := c.sheet.Image(c.newID)
	if cur == nil {
		return fmt.Errorf("pngx: undo replace: image %d not bound", c.newID)
	}

	c.copy.ID = c.oldID
	if err := c.sheet.replace(c.newID, c.copy); err != nil {
		return err
	}
	c.copy = cur.Clone()

	return nil
}

// Redo rebinds the retained copy under the new ID and keeps a copy of the
// old image for the next Undo.
func (c *ReplaceImage) Redo() error {
	cur := c.sheet.Image(c.oldID)
	if cur == nil {
		return fmt.Errorf("pngx: redo replace: image %d not bound", c.oldID)
	}

	c.copy.ID = c.newID
	if err := c.sheet.replace(c.oldID, c.copy); err != nil {
		return err
	}
	c.copy = cur.Clone()

	return nil
}
