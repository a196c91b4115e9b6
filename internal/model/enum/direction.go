package enum

// Direction is the side of a position.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

func (d Direction) IsAvailable() bool {
	return d == DirectionLong || d == DirectionShort
}

// Opposite returns the closing side for the direction.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}
