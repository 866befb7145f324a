package cluster

// Address returns the preferred address of the NIC. IPv4 wins over IPv6;
// among IPv6 addresses the global one is preferred. v6 reports whether the
// returned address is IPv6.
func (n NIC) Address() (addr string, v6 bool) {
	if n.IP != "" {
		return n.IP, false
	}
	for _, a := range []string{n.IP6Global, n.IP6, n.IP6ULA} {
		if a != "" {
			return a, true
		}
	}
	return "", false
}

// VMFromTemplate extracts the network interfaces from a VM template. NIC
// may hold a single interface object or a list of them; keys are matched
// case-insensitively.
func VMFromTemplate(id int, name string, template map[string]interface{}) *VM {
	vm := &VM{ID: id, Name: name}
	attrs := NormalizeKeys(template)
	switch nics := attrs["nic"].(type) {
	case map[string]interface{}:
		vm.NICs = append(vm.NICs, nicFromAttrs(nics))
	case []interface{}:
		for _, raw := range nics {
			if m, ok := raw.(map[string]interface{}); ok {
				vm.NICs = append(vm.NICs, nicFromAttrs(m))
			}
		}
	}
	return vm
}

func nicFromAttrs(raw map[string]interface{}) NIC {
	attrs := NormalizeKeys(raw)
	return NIC{
		IP:        stringAttr(attrs, "ip"),
		IP6:       stringAttr(attrs, "ip6"),
		IP6Global: stringAttr(attrs, "ip6_global"),
		IP6ULA:    stringAttr(attrs, "ip6_ula"),
	}
}
