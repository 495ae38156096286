package dashboard

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var urlAttrs = map[string]bool{"src": true, "href": true, "action": true, "formaction": true, "poster": true}

// Rewrite points root-relative URLs in an HTML document at places that
// resolve from inside the gateway's frame: /static/ assets go through the
// gateway's static pass-through and everything else through navBase, the
// link's in-frame navigation path. An empty navBase sends pages to the
// platform itself. A <base> element is injected so relative URLs follow the
// platform root.
func Rewrite(body []byte, platformBase, publicBase, navBase string) ([]byte, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	r := rewriter{
		platform: strings.TrimRight(platformBase, "/"),
		public:   strings.TrimRight(publicBase, "/"),
		nav:      strings.TrimRight(navBase, "/"),
	}

	var head *html.Node
	hasBase := false
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Head:
				if head == nil {
					head = n
				}
			case atom.Base:
				hasBase = true
			}
			for i, a := range n.Attr {
				if a.Namespace != "" {
					continue
				}
				switch {
				case n.DataAtom == atom.Base && a.Key == "href":
					n.Attr[i].Val = r.base(a.Val)
				case a.Key == "srcset":
					n.Attr[i].Val = r.srcset(a.Val)
				case urlAttrs[a.Key]:
					n.Attr[i].Val = r.url(a.Val)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if head != nil && !hasBase {
		base := &html.Node{
			Type:     html.ElementNode,
			Data:     "base",
			DataAtom: atom.Base,
			Attr:     []html.Attribute{{Key: "href", Val: r.platform + "/"}},
		}
		head.InsertBefore(base, head.FirstChild)
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type rewriter struct {
	platform, public, nav string
}

func rootRelative(v string) bool {
	return strings.HasPrefix(v, "/") && !strings.HasPrefix(v, "//")
}

func (r rewriter) url(v string) string {
	if !rootRelative(v) {
		if r.nav != "" && strings.HasPrefix(v, r.platform+"/") && !strings.HasPrefix(v, r.platform+"/static/") {
			return r.nav + strings.TrimPrefix(v, r.platform)
		}
		return v
	}
	if strings.HasPrefix(v, "/static/") {
		return r.public + StaticPrefix + v
	}
	if r.nav != "" {
		return r.nav + v
	}
	return r.platform + v
}

// base keeps <base> on the platform so relative URLs are not routed through
// the navigation proxy.
func (r rewriter) base(v string) string {
	if rootRelative(v) {
		return r.platform + v
	}
	return v
}

// srcset rewrites each "url [descriptor]" candidate of a srcset list.
func (r rewriter) srcset(v string) string {
	parts := strings.Split(v, ",")
	for i, p := range parts {
		fields := strings.Fields(p)
		if len(fields) == 0 {
			continue
		}
		fields[0] = r.url(fields[0])
		parts[i] = strings.Join(fields, " ")
	}
	return strings.Join(parts, ", ")
}
