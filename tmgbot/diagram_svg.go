package tmgbot

import (
	"fmt"
	"html"
	"strconv"
	"strings"
)

// svgRenderer writes a scene as an SVG document. Frame units are mapped
// to pixels with the origin at the center and y pointing up.
type svgRenderer struct {
	b      strings.Builder
	width  int
	height int
	nextID int
}

// renderSVG draws the scene on a black background
func renderSVG(s scene, width, height int) string {
	r := &svgRenderer{width: width, height: height}
	fmt.Fprintf(
		&r.b,
		`<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">`,
		width, height, width, height,
	)
	fmt.Fprintf(&r.b, `<rect width="%d" height="%d" fill="#000000"/>`, width, height)
	for _, sh := range s.shapes {
		r.shape(sh)
	}
	r.b.WriteString(`</svg>`)
	return r.b.String()
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func (r *svgRenderer) scaleX() float64 {
	return float64(r.width) / diagramFrameWidth
}

func (r *svgRenderer) scaleY() float64 {
	return float64(r.height) / diagramFrameHeight
}

func (r *svgRenderer) point(v vec3) (float64, float64) {
	return (v.X + diagramFrameWidth/2) * r.scaleX(), (diagramFrameHeight/2 - v.Y) * r.scaleY()
}

func (r *svgRenderer) id(prefix string) string {
	r.nextID++
	return prefix + strconv.Itoa(r.nextID)
}

func (r *svgRenderer) pathData(subpaths [][]vec3, closed bool) string {
	var d strings.Builder
	for _, sp := range subpaths {
		if len(sp) == 0 {
			continue
		}
		for i, v := range sp {
			x, y := r.point(v)
			if i == 0 {
				d.WriteString("M")
			} else {
				d.WriteString(" L")
			}
			d.WriteString(num(x) + " " + num(y))
		}
		if closed {
			d.WriteString(" Z")
		}
		d.WriteString(" ")
	}
	return strings.TrimSpace(d.String())
}

func color(c rgba) string {
	return fmt.Sprintf("rgb(%d,%d,%d)", c.R, c.G, c.B)
}

func (r *svgRenderer) strokePixels(width float64) float64 {
	return width * float64(r.height) / 720
}

// style returns the fill and stroke attributes of p
func (r *svgRenderer) style(p paint, closed, dashed bool) string {
	var attrs []string
	if closed && p.fill.A > 0 {
		attrs = append(attrs, `fill="`+color(p.fill)+`"`, `fill-opacity="`+num(p.fill.A)+`"`)
	} else {
		attrs = append(attrs, `fill="none"`)
	}
	if p.strokeWidth > 0 && p.stroke.A > 0 {
		attrs = append(
			attrs,
			`stroke="`+color(p.stroke)+`"`,
			`stroke-opacity="`+num(p.stroke.A)+`"`,
			`stroke-width="`+num(r.strokePixels(p.strokeWidth))+`"`,
			`stroke-linejoin="round"`,
			`stroke-linecap="round"`,
		)
		if dashed {
			dash := dashLength * r.scaleX()
			attrs = append(attrs, `stroke-dasharray="`+num(dash*0.8)+" "+num(dash*0.2)+`"`)
		}
	}
	return strings.Join(attrs, " ")
}

func (r *svgRenderer) shape(s shape) {
	switch v := s.(type) {
	case *pathShape:
		d := r.pathData(v.subpaths, v.closed)
		if d == "" {
			return
		}
		fmt.Fprintf(&r.b, `<path d="%s" %s/>`, d, r.style(v.paint, v.closed, v.dashed))
	case *ellipsoidShape:
		r.ellipsoid(v)
	case *quadShape:
		r.quad(v)
	case *groupShape:
		switch v.op {
		case groupUnion:
			r.union(v)
		case groupIntersection:
			r.intersection(v)
		case groupDifference:
			r.difference(v)
		default:
			r.b.WriteString("<g>")
			for _, c := range v.children {
				r.shape(c)
			}
			r.b.WriteString("</g>")
		}
	}
}

// ellipsoid draws the silhouette with a radial gradient for shading
func (r *svgRenderer) ellipsoid(e *ellipsoidShape) {
	if e.paint.fill.A == 0 {
		return
	}
	id := r.id("shade")
	light := rgba{
		R: uint8(min(255, int(e.paint.fill.R)+90)),
		G: uint8(min(255, int(e.paint.fill.G)+90)),
		B: uint8(min(255, int(e.paint.fill.B)+90)),
	}
	dark := rgba{R: e.paint.fill.R / 2, G: e.paint.fill.G / 2, B: e.paint.fill.B / 2}
	fmt.Fprintf(
		&r.b,
		`<defs><radialGradient id="%s" cx="35%%" cy="35%%" r="70%%">`+
			`<stop offset="0" stop-color="%s"/><stop offset="0.6" stop-color="%s"/><stop offset="1" stop-color="%s"/>`+
			`</radialGradient></defs>`,
		id, color(light), color(e.paint.fill), color(dark),
	)
	fmt.Fprintf(
		&r.b,
		`<path d="%s" fill="url(#%s)" fill-opacity="%s"/>`,
		r.pathData([][]vec3{e.silhouette()}, true), id, num(e.paint.fill.A),
	)
}

// quad draws an image or text lines through a matrix mapping content
// coordinates onto the quad's parallelogram
func (r *svgRenderer) quad(q *quadShape) {
	if q.width <= 0 || q.height <= 0 {
		return
	}
	sx, sy := r.scaleX(), r.scaleY()
	ox, oy := r.point(q.origin)
	fmt.Fprintf(
		&r.b,
		`<g transform="matrix(%s %s %s %s %s %s)">`,
		num4(sx*q.right.X/q.width), num4(-sy*q.right.Y/q.width),
		num4(sx*q.down.X/q.height), num4(-sy*q.down.Y/q.height),
		num(ox), num(oy),
	)
	if q.background != nil {
		fmt.Fprintf(
			&r.b,
			`<rect width="%s" height="%s" rx="0.1" fill="%s"/>`,
			num4(q.width), num4(q.height), color(*q.background),
		)
	}
	if q.image != "" {
		fmt.Fprintf(
			&r.b,
			`<image href="%s" width="%s" height="%s" preserveAspectRatio="none"/>`,
			q.image, num4(q.width), num4(q.height),
		)
	} else {
		r.textLines(q)
	}
	r.b.WriteString("</g>")
}

func (r *svgRenderer) textLines(q *quadShape) {
	family := "sans-serif"
	x, lineHeight := 0.0, textUnitHeight
	if q.monospace {
		family = "monospace"
		x, lineHeight = codePadding, q.fontSize*codeLineHeight
	}
	top := 0.0
	if q.background != nil {
		top = codePadding
	}
	for k, line := range q.lines {
		fmt.Fprintf(
			&r.b,
			`<text x="%s" y="%s" font-family="%s" font-size="%s" fill="%s" xml:space="preserve">%s</text>`,
			num4(x), num4(top+(float64(k)+0.8)*lineHeight), family, num4(q.fontSize),
			color(q.color), html.EscapeString(line),
		)
	}
}

func num4(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

// union fills the outlines of every child as a single path
func (r *svgRenderer) union(g *groupShape) {
	var subpaths [][]vec3
	for _, c := range g.children {
		subpaths = append(subpaths, outline(c)...)
	}
	d := r.pathData(subpaths, true)
	if d == "" {
		return
	}
	fmt.Fprintf(&r.b, `<path d="%s" fill-rule="nonzero" %s/>`, d, r.style(g.paint, true, false))
}

// intersection draws the first child clipped by each of the others
func (r *svgRenderer) intersection(g *groupShape) {
	base := r.pathData(outline(g.children[0]), true)
	if base == "" {
		return
	}
	var ids []string
	r.b.WriteString("<defs>")
	for _, c := range g.children[1:] {
		id := r.id("clip")
		ids = append(ids, id)
		fmt.Fprintf(&r.b, `<clipPath id="%s"><path d="%s"/></clipPath>`, id, r.pathData(outline(c), true))
	}
	r.b.WriteString("</defs>")
	for _, id := range ids {
		fmt.Fprintf(&r.b, `<g clip-path="url(#%s)">`, id)
	}
	fmt.Fprintf(&r.b, `<path d="%s" %s/>`, base, r.style(g.paint, true, false))
	for range ids {
		r.b.WriteString("</g>")
	}
}

// difference draws the first child masked by the others
func (r *svgRenderer) difference(g *groupShape) {
	base := r.pathData(outline(g.children[0]), true)
	if base == "" {
		return
	}
	id := r.id("mask")
	fmt.Fprintf(
		&r.b,
		`<defs><mask id="%s" maskUnits="userSpaceOnUse" x="0" y="0" width="%d" height="%d">`+
			`<rect width="%d" height="%d" fill="white"/>`,
		id, r.width, r.height, r.width, r.height,
	)
	for _, c := range g.children[1:] {
		if d := r.pathData(outline(c), true); d != "" {
			fmt.Fprintf(&r.b, `<path d="%s" fill="black"/>`, d)
		}
	}
	r.b.WriteString("</mask></defs>")
	fmt.Fprintf(&r.b, `<path d="%s" mask="url(#%s)" %s/>`, base, id, r.style(g.paint, true, false))
}
