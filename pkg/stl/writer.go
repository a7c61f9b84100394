package stl

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"mprview/internal/models"
)

const stlHeader = "mprview binary STL"

// SaveToSTL writes triangles to path as binary STL
func SaveToSTL(path string, triangles []Triangle) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create STL file: %w", err)
	}
	if err := WriteTrianglesSTL(f, triangles); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteSTL writes an indexed mesh as binary STL
func WriteSTL(w io.Writer, mesh *models.SurfaceMesh) error {
	return WriteTrianglesSTL(w, Triangles(mesh))
}

// WriteTrianglesSTL writes the 80-byte header, the facet count and 50 bytes per facet
func WriteTrianglesSTL(w io.Writer, triangles []Triangle) error {
	bw := bufio.NewWriter(w)

	var header [80]byte
	copy(header[:], stlHeader)
	if _, err := bw.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write STL header: %w", err)
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(triangles))); err != nil {
		return fmt.Errorf("failed to write triangle count: %w", err)
	}

	var rec [50]byte
	for _, t := range triangles {
		off := 0
		for _, v := range [4][3]float32{t.Normal, t.Vertex1, t.Vertex2, t.Vertex3} {
			for _, c := range v {
				binary.LittleEndian.PutUint32(rec[off:], math.Float32bits(c))
				off += 4
			}
		}
		// attribute byte count stays zero
		if _, err := bw.Write(rec[:]); err != nil {
			return fmt.Errorf("failed to write triangle: %w", err)
		}
	}
	return bw.Flush()
}

// WriteOBJ writes a Wavefront OBJ with per-vertex normals when the mesh has them
func WriteOBJ(w io.Writer, mesh *models.SurfaceMesh) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# mprview surface: %d vertices, %d faces\n", len(mesh.Vertices), len(mesh.Faces))
	for _, v := range mesh.Vertices {
		fmt.Fprintf(bw, "v %g %g %g\n", v[0], v[1], v[2])
	}
	withNormals := len(mesh.Normals) == len(mesh.Vertices)
	if withNormals {
		for _, n := range mesh.Normals {
			fmt.Fprintf(bw, "vn %g %g %g\n", n[0], n[1], n[2])
		}
	}
	for _, f := range mesh.Faces {
		a, b, c := f[0]+1, f[1]+1, f[2]+1
		if withNormals {
			fmt.Fprintf(bw, "f %d//%d %d//%d %d//%d\n", a, a, b, b, c, c)
		} else {
			fmt.Fprintf(bw, "f %d %d %d\n", a, b, c)
		}
	}
	return bw.Flush()
}

// WriteVTK writes legacy ASCII VTK polydata
func WriteVTK(w io.Writer, mesh *models.SurfaceMesh) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "# vtk DataFile Version 3.0")
	fmt.Fprintln(bw, "mprview surface")
	fmt.Fprintln(bw, "ASCII")
	fmt.Fprintln(bw, "DATASET POLYDATA")
	fmt.Fprintf(bw, "POINTS %d float\n", len(mesh.Vertices))
	for _, v := range mesh.Vertices {
		fmt.Fprintf(bw, "%g %g %g\n", v[0], v[1], v[2])
	}
	fmt.Fprintf(bw, "POLYGONS %d %d\n", len(mesh.Faces), len(mesh.Faces)*4)
	for _, f := range mesh.Faces {
		fmt.Fprintf(bw, "3 %d %d %d\n", f[0], f[1], f[2])
	}
	if len(mesh.Normals) == len(mesh.Vertices) && len(mesh.Normals) > 0 {
		fmt.Fprintf(bw, "POINT_DATA %d\n", len(mesh.Vertices))
		fmt.Fprintln(bw, "NORMALS normals float")
		for _, n := range mesh.Normals {
			fmt.Fprintf(bw, "%g %g %g\n", n[0], n[1], n[2])
		}
	}
	return bw.Flush()
}

// Format names a mesh export format
type Format string

const (
	FormatSTL Format = "stl"
	FormatOBJ Format = "obj"
	FormatVTK Format = "vtk"
)

// ContentType returns the MIME type served for the format
func (f Format) ContentType() string {
	switch f {
	case FormatSTL:
		return "model/stl"
	case FormatOBJ:
		return "model/obj"
	default:
		return "text/plain"
	}
}

// Write exports mesh in the given format
func Write(w io.Writer, mesh *models.SurfaceMesh, format Format) error {
	switch format {
	case FormatSTL:
		return WriteSTL(w, mesh)
	case FormatOBJ:
		return WriteOBJ(w, mesh)
	case FormatVTK:
		return WriteVTK(w, mesh)
	}
	return fmt.Errorf("unsupported mesh format %q", string(format))
}
