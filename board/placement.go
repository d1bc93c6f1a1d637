package board

import (
	"errors"
	"math"
	mathrand "math/rand"
)

// no free position within the trial budget. The caller must surface this and
// must not create the note.
var ErrBoardFull = errors.New("no space left on the board")

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (self Rect) Overlaps(x float64, y float64, width float64, height float64) bool {
	return x < self.X+self.Width &&
		x+width > self.X &&
		y < self.Y+self.Height &&
		y+height > self.Y
}

type PlacementSettings struct {
	NoteWidth  float64
	NoteHeight float64
	Padding    float64
	// random candidates tried after the grid scan finds nothing
	MaxRandomTrials int
	// nil uses the global source. Tests inject a fixed seed.
	Rand *mathrand.Rand
}

func DefaultPlacementSettings() *PlacementSettings {
	return &PlacementSettings{
		NoteWidth:       208,
		NoteHeight:      140,
		Padding:         16,
		MaxRandomTrials: 400,
	}
}

// AllocatePosition computes a non-overlapping position for a new note.
// Side-effect free. The grid scan is deterministic; the random fallback is
// deterministic given a fixed seed.
func AllocatePosition(existing []*Note, bounds Rect, reserved []Rect) (Position, error) {
	return AllocatePositionWithSettings(existing, bounds, reserved, DefaultPlacementSettings())
}

func AllocatePositionWithSettings(
	existing []*Note,
	bounds Rect,
	reserved []Rect,
	settings *PlacementSettings,
) (Position, error) {
	free := func(position Position) bool {
		if position.X < bounds.X+settings.Padding ||
			position.Y < bounds.Y+settings.Padding ||
			bounds.X+bounds.Width-settings.Padding < position.X+settings.NoteWidth ||
			bounds.Y+bounds.Height-settings.Padding < position.Y+settings.NoteHeight {
			return false
		}
		for _, zone := range reserved {
			if zone.Overlaps(position.X, position.Y, settings.NoteWidth, settings.NoteHeight) {
				return false
			}
		}
		for _, note := range existing {
			// a candidate closer than one note extent to an existing note overlaps it
			if math.Abs(note.X-position.X) < settings.NoteWidth &&
				math.Abs(note.Y-position.Y) < settings.NoteHeight {
				return false
			}
		}
		return true
	}

	// deterministic grid scan first
	cols := int((bounds.Width - settings.Padding*2) / (settings.NoteWidth + settings.Padding))
	rows := int((bounds.Height - settings.Padding*2) / (settings.NoteHeight + settings.Padding))
	for row := 0; row < rows; row += 1 {
		for col := 0; col < cols; col += 1 {
			position := Position{
				X: bounds.X + settings.Padding + float64(col)*(settings.NoteWidth+settings.Padding),
				Y: bounds.Y + settings.Padding + float64(row)*(settings.NoteHeight+settings.Padding),
			}
			if free(position) {
				return position, nil
			}
		}
	}

	// bounded random sampling for positions off the grid
	randFloat := mathrand.Float64
	if settings.Rand != nil {
		randFloat = settings.Rand.Float64
	}
	maxX := bounds.X + bounds.Width - settings.Padding - settings.NoteWidth
	maxY := bounds.Y + bounds.Height - settings.Padding - settings.NoteHeight
	minX := bounds.X + settings.Padding
	minY := bounds.Y + settings.Padding
	if minX <= maxX && minY <= maxY {
		for i := 0; i < settings.MaxRandomTrials; i++ {
			position := Position{
				X: minX + randFloat()*(maxX-minX),
				Y: minY + randFloat()*(maxY-minY),
			}
			if free(position) {
				return position, nil
			}
		}
	}

	return Position{}, ErrBoardFull
}
