package dht

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"

	bencode "github.com/jackpal/bencode-go"
)

type savedNode struct {
	ID   string `bencode:"id"`
	Host string `bencode:"host"`
	Port int    `bencode:"port"`
}

type savedTable struct {
	Self  string      `bencode:"self"`
	Nodes []savedNode `bencode:"nodes"`
}

// SaveNodes writes the local id and nodes to path, replacing it atomically.
func SaveNodes(path string, self NodeID, nodes []Node) error {
	st := savedTable{Self: string(self[:]), Nodes: make([]savedNode, 0, len(nodes))}
	for _, n := range nodes {
		st.Nodes = append(st.Nodes, savedNode{
			ID:   string(n.ID[:]),
			Host: n.Addr.Addr().String(),
			Port: int(n.Addr.Port()),
		})
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("error creating node file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := bencode.Marshal(w, st); err != nil {
		tmp.Close()
		return fmt.Errorf("error encoding nodes: %w", err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("error writing node file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("error closing node file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// LoadNodes reads a file written by SaveNodes. Malformed records are skipped.
func LoadNodes(path string) (NodeID, []Node, error) {
	var self NodeID
	f, err := os.Open(path)
	if err != nil {
		return self, nil, err
	}
	defer f.Close()

	var st savedTable
	if err := bencode.Unmarshal(bufio.NewReader(f), &st); err != nil {
		return self, nil, fmt.Errorf("error decoding node file: %w", err)
	}
	if len(st.Self) == IDLength {
		copy(self[:], st.Self)
	}
	nodes := make([]Node, 0, len(st.Nodes))
	for _, sn := range st.Nodes {
		addr, err := netip.ParseAddr(sn.Host)
		if err != nil || len(sn.ID) != IDLength || sn.Port <= 0 || sn.Port > 65535 {
			continue
		}
		var n Node
		copy(n.ID[:], sn.ID)
		n.Addr = netip.AddrPortFrom(addr, uint16(sn.Port))
		nodes = append(nodes, n)
	}
	return self, nodes, nil
}
