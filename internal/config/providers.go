package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/snapetech/iptv-relay/internal/provider"
)

// LoadProviderGroupsFile parses a provider-groups file into named
// provider.Group instances, in the same blank-line-separated "Key: value"
// block idiom as the subscription file and internal/accounts.LoadFile. Each
// block describes one upstream provider.Config; its Group key assigns it to
// the named group, and a group with more than one member fails over in
// priority order when one is exhausted.
//
// Recognized keys: Group, ID, Name, URL, Username, Password, InputType
// (line|xtream), MaxConnections, Priority.
func LoadProviderGroupsFile(path string) (map[string]*provider.Group, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	groups := make(map[string]*provider.Group)
	cur := providerBlock{}
	flush := func() {
		if cur.group == "" || cur.cfg.Name == "" {
			cur = providerBlock{}
			return
		}
		g, ok := groups[cur.group]
		if !ok {
			g = &provider.Group{}
			groups[cur.group] = g
		}
		cfg := cur.cfg
		if g.Primary == nil {
			g.Primary = &cfg
		} else {
			g.Aliases = append(g.Aliases, &cfg)
		}
		cur = providerBlock{}
	}

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			flush()
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		key, val, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		switch strings.ToLower(key) {
		case "group":
			cur.group = val
		case "id":
			n, _ := strconv.ParseUint(val, 10, 32)
			cur.cfg.ID = uint32(n)
		case "name":
			cur.cfg.Name = val
		case "url":
			cur.cfg.URL = val
		case "username":
			cur.cfg.Username = val
		case "password":
			cur.cfg.Password = val
		case "inputtype", "input_type":
			if strings.EqualFold(val, "line") {
				cur.cfg.InputType = provider.InputLine
			} else {
				cur.cfg.InputType = provider.InputXtream
			}
		case "maxconnections", "max_connections":
			n, _ := strconv.ParseUint(val, 10, 16)
			cur.cfg.MaxConnections = uint16(n)
		case "priority":
			n, _ := strconv.ParseInt(val, 10, 32)
			cur.cfg.Priority = int32(n)
		}
	}
	flush()
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("config: read provider groups %s: %w", path, err)
	}
	return groups, nil
}

type providerBlock struct {
	group string
	cfg   provider.Config
}
