// Package blob implements the fixed-point binary sub-encoding used for
// zone, point, timer and room values sent as data points.
//
// Coordinates are decimeter-resolution fixed point: each value is
// multiplied by 10 and packed into a signed 2-byte cell. Structured
// records are flat concatenations of such cells plus small integer
// fields. The wire payload itself stays binary; base64 armoring is a
// presentation convention applied only at the data-point boundary.
package blob

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Blob errors.
var (
	ErrTruncated     = errors.New("blob truncated")
	ErrCoordOverflow = errors.New("coordinate out of range")
)

const (
	cellSize  = 2
	pointSize = 2 * cellSize

	// coordScale is the fixed-point multiplier.
	coordScale = 10
)

// Point is a 2-D coordinate in meters.
type Point struct {
	X float64
	Y float64
}

// packCoord converts a coordinate to its fixed-point cell value.
func packCoord(v float64) (int16, error) {
	scaled := math.Round(v * coordScale)
	if scaled > math.MaxInt16 || scaled < math.MinInt16 {
		return 0, fmt.Errorf("%w: %v", ErrCoordOverflow, v)
	}
	return int16(scaled), nil
}

func unpackCoord(cell int16) float64 {
	return float64(cell) / coordScale
}

func putCell(buf []byte, v int16) {
	binary.LittleEndian.PutUint16(buf, uint16(v))
}

func getCell(buf []byte) int16 {
	return int16(binary.LittleEndian.Uint16(buf))
}

// EncodePoints packs a point list into cells.
func EncodePoints(points []Point) ([]byte, error) {
	out := make([]byte, len(points)*pointSize)
	for i, p := range points {
		x, err := packCoord(p.X)
		if err != nil {
			return nil, err
		}
		y, err := packCoord(p.Y)
		if err != nil {
			return nil, err
		}
		putCell(out[i*pointSize:], x)
		putCell(out[i*pointSize+cellSize:], y)
	}
	return out, nil
}

// DecodePoints unpacks a point list.
func DecodePoints(data []byte) ([]Point, error) {
	if len(data)%pointSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(data))
	}
	points := make([]Point, len(data)/pointSize)
	for i := range points {
		points[i] = Point{
			X: unpackCoord(getCell(data[i*pointSize:])),
			Y: unpackCoord(getCell(data[i*pointSize+cellSize:])),
		}
	}
	return points, nil
}

// Zone is a rectangular clean zone with a repeat count.
type Zone struct {
	TopLeft     Point
	BottomRight Point
	Repeat      uint8
}

const zoneSize = 2*pointSize + 1

// EncodeZones packs zone records: two corner points then the repeat
// count, per zone.
func EncodeZones(zones []Zone) ([]byte, error) {
	out := make([]byte, 0, len(zones)*zoneSize)
	for _, z := range zones {
		corners, err := EncodePoints([]Point{z.TopLeft, z.BottomRight})
		if err != nil {
			return nil, err
		}
		out = append(out, corners...)
		out = append(out, z.Repeat)
	}
	return out, nil
}

// DecodeZones unpacks zone records.
func DecodeZones(data []byte) ([]Zone, error) {
	if len(data)%zoneSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(data))
	}
	zones := make([]Zone, len(data)/zoneSize)
	for i := range zones {
		rec := data[i*zoneSize:]
		points, err := DecodePoints(rec[:2*pointSize])
		if err != nil {
			return nil, err
		}
		zones[i] = Zone{TopLeft: points[0], BottomRight: points[1], Repeat: rec[2*pointSize]}
	}
	return zones, nil
}

// Timer is a scheduled clean slot.
type Timer struct {
	Hour    uint8
	Minute  uint8
	Days    uint8 // bitmask, bit 0 = Monday
	Enabled bool
}

const timerSize = 4

// EncodeTimers packs timer records.
func EncodeTimers(timers []Timer) []byte {
	out := make([]byte, 0, len(timers)*timerSize)
	for _, t := range timers {
		enabled := byte(0)
		if t.Enabled {
			enabled = 1
		}
		out = append(out, t.Hour, t.Minute, t.Days, enabled)
	}
	return out
}

// DecodeTimers unpacks timer records.
func DecodeTimers(data []byte) ([]Timer, error) {
	if len(data)%timerSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(data))
	}
	timers := make([]Timer, len(data)/timerSize)
	for i := range timers {
		rec := data[i*timerSize:]
		timers[i] = Timer{Hour: rec[0], Minute: rec[1], Days: rec[2], Enabled: rec[3] != 0}
	}
	return timers, nil
}

// Room is a named map segment outlined by a vertex polygon.
type Room struct {
	ID       uint8
	Vertices []Point
}

// EncodeRooms packs room records: id, vertex count, then the vertex
// point list, per room.
func EncodeRooms(rooms []Room) ([]byte, error) {
	var out []byte
	for _, r := range rooms {
		if len(r.Vertices) > math.MaxUint8 {
			return nil, fmt.Errorf("room %d: too many vertices", r.ID)
		}
		vertices, err := EncodePoints(r.Vertices)
		if err != nil {
			return nil, err
		}
		out = append(out, r.ID, uint8(len(r.Vertices)))
		out = append(out, vertices...)
	}
	return out, nil
}

// DecodeRooms unpacks room records.
func DecodeRooms(data []byte) ([]Room, error) {
	var rooms []Room
	for len(data) > 0 {
		if len(data) < 2 {
			return nil, ErrTruncated
		}
		id, count := data[0], int(data[1])
		data = data[2:]
		if len(data) < count*pointSize {
			return nil, ErrTruncated
		}
		vertices, err := DecodePoints(data[:count*pointSize])
		if err != nil {
			return nil, err
		}
		data = data[count*pointSize:]
		rooms = append(rooms, Room{ID: id, Vertices: vertices})
	}
	return rooms, nil
}

// Armor base64-encodes a blob for transport as a data-point value.
func Armor(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// Unarmor reverses Armor.
func Unarmor(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
