package formats

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
)

// parseMTLDiffuseMap returns the first map_Kd reference in an MTL file.
func parseMTLDiffuseMap(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := trimBlank(sc.Bytes())
		if !bytes.HasPrefix(line, []byte("map_Kd")) || len(line) < 8 || !isBlank(line[6]) {
			continue
		}
		return lastMTLArg(line[7:]), nil
	}
	return "", sc.Err()
}

// lastMTLArg returns the file reference of a map statement. When option
// flags such as "-s 1 1 1" are present the reference is the last field.
func lastMTLArg(s []byte) string {
	s = bytes.TrimSpace(s)
	if len(s) == 0 || s[0] != '-' {
		return string(s)
	}
	fields := bytes.Fields(s)
	return string(fields[len(fields)-1])
}

// resolveMtllibTexture loads the material library and resolves its first
// diffuse map relative to the MTL then OBJ directory.
func resolveMtllibTexture(mtllib, objDir string) string {
	mtlPath := filepath.FromSlash(strings.ReplaceAll(mtllib, "\\", "/"))
	if !filepath.IsAbs(mtlPath) {
		mtlPath = filepath.Join(objDir, mtlPath)
	}
	ref, err := parseMTLDiffuseMap(mtlPath)
	if err != nil || ref == "" {
		return ""
	}
	return resolveTexture(ref, filepath.Dir(mtlPath), objDir)
}
