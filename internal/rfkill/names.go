package rfkill

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	// DefaultNameTemplate is the sysfs attribute holding a device's label.
	DefaultNameTemplate = "/sys/class/rfkill/rfkill%d/name"

	maxNameLen = 100
)

// Resolver maps a device index to a human readable name.
type Resolver interface {
	Resolve(index uint32) string
}

// NameResolver reads device names from sysfs and remembers them for the
// lifetime of the resolver. Entries are never evicted, not even when the
// device goes away.
//
// A NameResolver is owned by the monitor goroutine and is not safe for
// concurrent use.
type NameResolver struct {
	template string
	cache    map[uint32]string
}

func NewNameResolver(template string) *NameResolver {
	if template == "" {
		template = DefaultNameTemplate
	}
	return &NameResolver{template: template, cache: make(map[uint32]string)}
}

// Placeholder is the name used when the sysfs attribute cannot be read.
func Placeholder(index uint32) string {
	return fmt.Sprintf("<device:%d>", index)
}

func (n *NameResolver) Resolve(index uint32) string {
	if name, ok := n.cache[index]; ok {
		return name
	}
	name, err := readName(fmt.Sprintf(n.template, index))
	if err != nil || name == "" {
		name = Placeholder(index)
	}
	n.cache[index] = name
	return name
}

func readName(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	line, err := bufio.NewReader(io.LimitReader(f, maxNameLen)).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	// The limit may have cut a multi-byte rune in half.
	return strings.ToValidUTF8(strings.TrimSpace(line), ""), nil
}
