package formats

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Faultbox/meshload/pkg/mesh"
)

// ErrInvalidASCIISTL is returned for ASCII STL with unparsable coordinates.
var ErrInvalidASCIISTL = errors.New("invalid ASCII STL")

// ParseASCIISTLFile reads and parses an ASCII STL file.
func ParseASCIISTLFile(path string) (*mesh.Mesh, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading STL file: %w", err)
	}
	m, err := ParseASCIISTL(data)
	if err != nil {
		return nil, err
	}
	m.Name = modelName(path)
	return m, nil
}

// ParseASCIISTL parses "solid ... endsolid" text. Facets that do not hold
// exactly three vertices are skipped. The solid name becomes the comment.
func ParseASCIISTL(data []byte) (*mesh.Mesh, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var (
		corners []stlCorner
		comment string
		normal  [3]float32
		facet   [3][3]float32
		nv      int
		line    int
	)
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "solid":
			if comment == "" && len(fields) > 1 {
				comment = strings.ToValidUTF8(strings.Join(fields[1:], " "), "")
			}
		case "facet":
			nv = 0
			normal = [3]float32{}
			if len(fields) >= 5 && fields[1] == "normal" {
				n, err := parseSTLVec(fields[2:5])
				if err != nil {
					return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidASCIISTL, line, err)
				}
				normal = n
			}
		case "vertex":
			if len(fields) < 4 {
				return nil, fmt.Errorf("%w: line %d: vertex needs 3 coordinates", ErrInvalidASCIISTL, line)
			}
			p, err := parseSTLVec(fields[1:4])
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidASCIISTL, line, err)
			}
			if nv < 3 {
				facet[nv] = p
			}
			nv++
		case "endfacet":
			if nv == 3 {
				corners = stlFacetCorners(corners, normal, facet)
			}
			nv = 0
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidASCIISTL, err)
	}
	return buildSTLMesh(corners, comment), nil
}

func parseSTLVec(fields []string) ([3]float32, error) {
	var v [3]float32
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return v, err
		}
		v[i] = float32(x)
	}
	return v, nil
}
