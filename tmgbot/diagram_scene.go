package tmgbot

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/png"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

const (
	// circleSegments is the number of points used to approximate circles,
	// ellipses and sphere silhouettes
	circleSegments = 64

	arrowTipLength = 0.35
	axisTickSize   = 0.1
	axisLabelBuff  = 0.15
	dashLength     = 0.05

	textUnitWidth  = 0.3
	textUnitHeight = 0.5
	codeFontSize   = 0.25
	codeLineHeight = 1.3
	codePadding    = 0.2
)

type vec3 struct {
	X, Y, Z float64
}

func (v vec3) add(o vec3) vec3 {
	return vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z}
}

func (v vec3) sub(o vec3) vec3 {
	return vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z}
}

func (v vec3) scale(s float64) vec3 {
	return vec3{v.X * s, v.Y * s, v.Z * s}
}

func (v vec3) length() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

func (v vec3) component(axis int) float64 {
	switch axis {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

// mat3 is a row-major 3x3 matrix
type mat3 [3][3]float64

func identity3() mat3 {
	return mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

func (m mat3) apply(v vec3) vec3 {
	return vec3{
		m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

func (m mat3) mul(n mat3) mat3 {
	var r mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				r[i][j] += m[i][k] * n[k][j]
			}
		}
	}
	return r
}

// rotation returns the rotation matrix for the given angle in degrees,
// counterclockwise about axis ("x", "y" or "z").
func rotation(axis string, degrees float64) mat3 {
	sin, cos := math.Sincos(degrees * math.Pi / 180)
	switch axis {
	case "x":
		return mat3{{1, 0, 0}, {0, cos, -sin}, {0, sin, cos}}
	case "y":
		return mat3{{cos, 0, sin}, {0, 1, 0}, {-sin, 0, cos}}
	default:
		return mat3{{cos, -sin, 0}, {sin, cos, 0}, {0, 0, 1}}
	}
}

func scaling(sx, sy, sz float64) mat3 {
	return mat3{{sx, 0, 0}, {0, sy, 0}, {0, 0, sz}}
}

// affine maps p to m*p + offset
type affine struct {
	m      mat3
	offset vec3
}

func (a affine) apply(v vec3) vec3 {
	return a.m.apply(v).add(a.offset)
}

func translation(v vec3) affine {
	return affine{m: identity3(), offset: v}
}

// about returns the affine applying m about center
func about(m mat3, center vec3) affine {
	return affine{m: m, offset: center.sub(m.apply(center))}
}

type bbox struct {
	min, max vec3
	ok       bool
}

func (b bbox) include(v vec3) bbox {
	if !b.ok {
		return bbox{min: v, max: v, ok: true}
	}
	b.min = vec3{math.Min(b.min.X, v.X), math.Min(b.min.Y, v.Y), math.Min(b.min.Z, v.Z)}
	b.max = vec3{math.Max(b.max.X, v.X), math.Max(b.max.Y, v.Y), math.Max(b.max.Z, v.Z)}
	return b
}

func (b bbox) union(o bbox) bbox {
	if !o.ok {
		return b
	}
	return b.include(o.min).include(o.max)
}

func (b bbox) center() vec3 {
	return b.min.add(b.max).scale(0.5)
}

func (b bbox) size() vec3 {
	return b.max.sub(b.min)
}

type rgba struct {
	R, G, B uint8
	A       float64
}

func colorOf(r, g, b, a int) rgba {
	clamp := func(v int) uint8 {
		return uint8(min(255, max(0, v)))
	}
	return rgba{clamp(r), clamp(g), clamp(b), float64(clamp(a)) / 255}
}

var (
	colorWhite = rgba{255, 255, 255, 1}
	colorGrey  = rgba{136, 136, 136, 1}
)

type paint struct {
	fill        rgba
	stroke      rgba
	strokeWidth float64
}

func fillPaint(obj DiagramObject) paint {
	return paint{
		fill:        colorOf(obj.FillR, obj.FillG, obj.FillB, obj.FillA),
		stroke:      colorOf(obj.StrokeR, obj.StrokeG, obj.StrokeB, obj.StrokeA),
		strokeWidth: float64(min(10, max(0, obj.StrokeWidth))),
	}
}

func strokePaint(obj DiagramObject) paint {
	p := fillPaint(obj)
	p.fill = rgba{}
	return p
}

// shape is a renderable part of a scene, in frame units (y up)
type shape interface {
	transform(a affine)
	bounds() bbox
}

// pathShape is a set of polylines
type pathShape struct {
	subpaths [][]vec3
	closed   bool
	dashed   bool
	paint    paint
}

func (p *pathShape) transform(a affine) {
	for _, sp := range p.subpaths {
		for i := range sp {
			sp[i] = a.apply(sp[i])
		}
	}
}

func (p *pathShape) bounds() bbox {
	var b bbox
	for _, sp := range p.subpaths {
		for _, v := range sp {
			b = b.include(v)
		}
	}
	return b
}

// ellipsoidShape is the set of center + axes*u for |u| <= 1. It's drawn
// as the silhouette of its projection onto the xy plane.
type ellipsoidShape struct {
	center vec3
	axes   mat3
	paint  paint
}

func (e *ellipsoidShape) transform(a affine) {
	e.center = a.apply(e.center)
	e.axes = a.m.mul(e.axes)
}

func (e *ellipsoidShape) bounds() bbox {
	var half vec3
	for i := 0; i < 3; i++ {
		row := e.axes[i]
		r := math.Sqrt(row[0]*row[0] + row[1]*row[1] + row[2]*row[2])
		switch i {
		case 0:
			half.X = r
		case 1:
			half.Y = r
		default:
			half.Z = r
		}
	}
	return bbox{min: e.center.sub(half), max: e.center.add(half), ok: true}
}

// silhouette returns the outline of the projected ellipsoid. The
// projection is an ellipse with covariance P*Pᵀ, where P is the top two
// rows of axes; its Cholesky factor maps the unit circle onto it.
func (e *ellipsoidShape) silhouette() []vec3 {
	a, b := e.axes[0], e.axes[1]
	c11 := a[0]*a[0] + a[1]*a[1] + a[2]*a[2]
	c12 := a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
	c22 := b[0]*b[0] + b[1]*b[1] + b[2]*b[2]

	l11 := math.Sqrt(c11)
	var l21, l22 float64
	if l11 > 0 {
		l21 = c12 / l11
	}
	l22 = math.Sqrt(math.Max(0, c22-l21*l21))

	points := make([]vec3, circleSegments)
	for k := range points {
		sin, cos := math.Sincos(2 * math.Pi * float64(k) / circleSegments)
		points[k] = vec3{
			e.center.X + l11*cos,
			e.center.Y + l21*cos + l22*sin,
			e.center.Z,
		}
	}
	return points
}

// quadShape is rectangular content (an image or lines of text) mapped to
// a parallelogram. Content coordinates go from (0, 0) at origin to
// (width, height), with right and down spanning the full extents.
type quadShape struct {
	origin vec3
	right  vec3
	down   vec3
	width  float64
	height float64

	// image is a data URI; if empty, lines are drawn instead
	image      string
	lines      []string
	fontSize   float64
	monospace  bool
	color      rgba
	background *rgba
}

func newQuad(center vec3, width, height float64) *quadShape {
	return &quadShape{
		origin: center.add(vec3{-width / 2, height / 2, 0}),
		right:  vec3{width, 0, 0},
		down:   vec3{0, -height, 0},
		width:  width,
		height: height,
		color:  colorWhite,
	}
}

func (q *quadShape) transform(a affine) {
	q.origin = a.apply(q.origin)
	q.right = a.m.apply(q.right)
	q.down = a.m.apply(q.down)
}

func (q *quadShape) corners() [4]vec3 {
	return [4]vec3{
		q.origin,
		q.origin.add(q.right),
		q.origin.add(q.right).add(q.down),
		q.origin.add(q.down),
	}
}

func (q *quadShape) bounds() bbox {
	var b bbox
	for _, c := range q.corners() {
		b = b.include(c)
	}
	return b
}

type groupOp string

const (
	groupPlain        groupOp = "plain"
	groupUnion        groupOp = "union"
	groupIntersection groupOp = "intersection"
	groupDifference   groupOp = "difference"
)

// groupShape holds child shapes. Boolean groups are drawn with their own
// paint, using only the path geometry of their children.
type groupShape struct {
	op       groupOp
	children []shape
	paint    paint
}

func (g *groupShape) transform(a affine) {
	for _, c := range g.children {
		c.transform(a)
	}
}

func (g *groupShape) bounds() bbox {
	var b bbox
	for _, c := range g.children {
		b = b.union(c.bounds())
	}
	return b
}

// outline returns the path geometry of s, used by boolean groups.
func outline(s shape) [][]vec3 {
	switch v := s.(type) {
	case *pathShape:
		if !v.closed {
			return nil
		}
		return v.subpaths
	case *ellipsoidShape:
		return [][]vec3{v.silhouette()}
	case *groupShape:
		var out [][]vec3
		for _, c := range v.children {
			out = append(out, outline(c)...)
		}
		return out
	}
	return nil
}

// applyTransforms applies the object's transformations in order.
// Rotations and scales are about the current center of the shape.
func applyTransforms(s shape, transforms []DiagramTransform) {
	for _, t := range transforms {
		switch t.Type {
		case transformTranslation:
			s.transform(translation(vec3{t.TX, t.TY, t.TZ}))
		case transformRotation:
			s.transform(about(rotation(t.Axis, t.Angle), s.bounds().center()))
		case transformScale:
			s.transform(about(scaling(t.SX, t.SY, t.SZ), s.bounds().center()))
		}
	}
}

// scene is a list of shapes fitted to the frame, centered at the origin
type scene struct {
	shapes []shape
}

func (s scene) bounds() bbox {
	var b bbox
	for _, sh := range s.shapes {
		b = b.union(sh.bounds())
	}
	return b
}

// fit shrinks the scene to fit the frame and centers it
func (s scene) fit() {
	b := s.bounds()
	if !b.ok {
		return
	}
	size := b.size()
	factor := 1.0
	if size.X > diagramFrameWidth {
		factor = diagramFrameWidth / size.X
	}
	if size.Y > diagramFrameHeight {
		factor = math.Min(factor, diagramFrameHeight/size.Y)
	}
	center := b.center()
	a := about(scaling(factor, factor, factor), center)
	a.offset = a.offset.sub(center)
	for _, sh := range s.shapes {
		sh.transform(a)
	}
}

// sceneBuilder turns diagram objects into shapes
type sceneBuilder struct {
	latex       LatexRenderer
	latexDPI    int
	plotTimeout time.Duration
	plotSamples int
	logger      *slog.Logger
}

func (sb *sceneBuilder) build(ctx context.Context, objects []DiagramObject) (scene, error) {
	shapes, err := sb.objects(ctx, objects)
	if err != nil {
		return scene{}, err
	}
	s := scene{shapes: shapes}
	s.fit()
	return s, nil
}

func (sb *sceneBuilder) objects(ctx context.Context, objects []DiagramObject) ([]shape, error) {
	shapes := make([]shape, 0, len(objects))
	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, err := sb.object(ctx, obj)
		if err != nil {
			return nil, fmt.Errorf("error building %s: %w", obj.Type, err)
		}
		if s == nil {
			continue
		}
		applyTransforms(s, obj.Transformations)
		shapes = append(shapes, s)
	}
	return shapes, nil
}

func (sb *sceneBuilder) object(ctx context.Context, obj DiagramObject) (shape, error) {
	switch obj.Type {
	case diagramCircle:
		return ellipsePath(vec3{obj.CX, obj.CY, obj.CZ}, obj.R, obj.R, fillPaint(obj)), nil
	case diagramEllipse:
		return ellipsePath(vec3{obj.CX, obj.CY, 0}, obj.RX, obj.RY, fillPaint(obj)), nil
	case diagramSphere:
		p := fillPaint(obj)
		p.stroke = rgba{}
		return &ellipsoidShape{
			center: vec3{obj.CX, obj.CY, obj.CZ},
			axes:   scaling(obj.R, obj.R, obj.R),
			paint:  p,
		}, nil
	case diagramRectangle:
		return rectPath(vec3{obj.X, obj.Y, 0}, obj.Width, obj.Height, fillPaint(obj)), nil
	case diagramSquare:
		return rectPath(vec3{obj.X, obj.Y, 0}, obj.Side, obj.Side, fillPaint(obj)), nil
	case diagramPolygon:
		if len(obj.Points) < 2 {
			return nil, fmt.Errorf("%w: polygon needs at least 2 points", ErrDiagramInvalid)
		}
		points := make([]vec3, len(obj.Points))
		for i, p := range obj.Points {
			points[i] = vec3{p.X, p.Y, p.Z}
		}
		return &pathShape{subpaths: [][]vec3{points}, closed: true, paint: fillPaint(obj)}, nil
	case diagramLine:
		return linePath(vec3{obj.X1, obj.Y1, 0}, vec3{obj.X2, obj.Y2, 0}, strokePaint(obj)), nil
	case diagramArrow:
		return arrowShape(vec3{obj.X1, obj.Y1, 0}, vec3{obj.X2, obj.Y2, 0}, strokePaint(obj)), nil
	case diagramEquation:
		return sb.latexQuad(ctx, obj.Latex, true), nil
	case diagramText:
		return sb.latexQuad(ctx, obj.Text, false), nil
	case diagramCode:
		return codeQuad(obj.Code), nil
	case diagramFunctionPlot:
		return sb.functionPlot(ctx, obj)
	case diagramArrangedGroup:
		children, err := sb.objects(ctx, obj.Objects)
		if err != nil {
			return nil, err
		}
		arrange(children, obj.Direction, obj.Buff)
		return &groupShape{op: groupPlain, children: children}, nil
	case diagramUnion, diagramIntersection, diagramDifference:
		children, err := sb.objects(ctx, obj.Objects)
		if err != nil {
			return nil, err
		}
		return booleanGroup(groupOp(obj.Type), children, fillPaint(obj)), nil
	}
	return nil, fmt.Errorf("%w: unknown object type %q", ErrDiagramInvalid, obj.Type)
}

// booleanGroup combines children. With no children there's nothing to
// draw, and a single child is just restyled.
func booleanGroup(op groupOp, children []shape, p paint) shape {
	switch len(children) {
	case 0:
		return nil
	case 1:
		restyle(children[0], p)
		return children[0]
	}
	return &groupShape{op: op, children: children, paint: p}
}

func restyle(s shape, p paint) {
	switch v := s.(type) {
	case *pathShape:
		v.paint = p
	case *ellipsoidShape:
		v.paint = p
	case *groupShape:
		if v.op != groupPlain {
			v.paint = p
			return
		}
		for _, c := range v.children {
			restyle(c, p)
		}
	}
}

func ellipsePath(center vec3, rx, ry float64, p paint) *pathShape {
	points := make([]vec3, circleSegments)
	for k := range points {
		sin, cos := math.Sincos(2 * math.Pi * float64(k) / circleSegments)
		points[k] = vec3{center.X + rx*cos, center.Y + ry*sin, center.Z}
	}
	return &pathShape{subpaths: [][]vec3{points}, closed: true, paint: p}
}

func rectPath(center vec3, width, height float64, p paint) *pathShape {
	w, h := width/2, height/2
	points := []vec3{
		center.add(vec3{-w, h, 0}),
		center.add(vec3{w, h, 0}),
		center.add(vec3{w, -h, 0}),
		center.add(vec3{-w, -h, 0}),
	}
	return &pathShape{subpaths: [][]vec3{points}, closed: true, paint: p}
}

func linePath(start, end vec3, p paint) *pathShape {
	return &pathShape{subpaths: [][]vec3{{start, end}}, paint: p}
}

// arrowShape is a line with a filled triangular tip at end
func arrowShape(start, end vec3, p paint) *groupShape {
	dir := end.sub(start)
	length := dir.length()
	if length == 0 {
		return &groupShape{op: groupPlain, children: []shape{linePath(start, end, p)}}
	}
	unit := dir.scale(1 / length)
	tipLength := math.Min(arrowTipLength, length/2)
	normal := vec3{-unit.Y, unit.X, 0}.scale(tipLength / 2)
	base := end.sub(unit.scale(tipLength))

	tipPaint := p
	tipPaint.fill = p.stroke
	tipPaint.strokeWidth = 0
	tip := &pathShape{
		subpaths: [][]vec3{{end, base.add(normal), base.sub(normal)}},
		closed:   true,
		paint:    tipPaint,
	}
	return &groupShape{op: groupPlain, children: []shape{linePath(start, base, p), tip}}
}

// arrange lays children out next to each other in direction, separated
// by buff, and centers them at the origin.
func arrange(children []shape, direction string, buff float64) {
	if len(children) == 0 {
		return
	}
	axis, sign := 0, 1.0
	switch direction {
	case "LEFT":
		sign = -1
	case "UP":
		axis = 1
	case "DOWN":
		axis, sign = 1, -1
	case "OUT":
		axis = 2
	case "IN":
		axis, sign = 2, -1
	}

	prev := children[0].bounds()
	for _, c := range children[1:] {
		b := c.bounds()
		if !b.ok {
			continue
		}
		target := prev.center()
		offset := target.sub(b.center())
		half := b.size().component(axis)/2 + prev.size().component(axis)/2 + buff
		shift := vec3{}
		switch axis {
		case 0:
			shift.X = sign * half
		case 1:
			shift.Y = sign * half
		default:
			shift.Z = sign * half
		}
		c.transform(translation(offset.add(shift)))
		prev = c.bounds()
	}

	g := &groupShape{children: children}
	b := g.bounds()
	if b.ok {
		g.transform(translation(b.center().scale(-1)))
	}
}

// latexQuad renders LaTeX to an image quad centered at the origin,
// falling back to plain text when rendering fails.
func (sb *sceneBuilder) latexQuad(ctx context.Context, source string, mathMode bool) shape {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil
	}
	q, err := sb.renderLatex(ctx, source, mathMode)
	if err != nil {
		sb.logger.WarnContext(ctx, "latex render failed, using plain text", "source", source, tint.Err(err))
		return textQuad(source)
	}
	return q
}

func (sb *sceneBuilder) renderLatex(ctx context.Context, source string, mathMode bool) (*quadShape, error) {
	if sb.latex == nil {
		return nil, errors.New("no latex renderer")
	}
	var data []byte
	var err error
	if mathMode {
		data, err = sb.latex.RenderMath(ctx, source)
	} else {
		data, err = sb.latex.RenderText(ctx, source)
	}
	if err != nil {
		return nil, err
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid latex image: %w", err)
	}
	dpi := sb.latexDPI
	if dpi <= 0 {
		dpi = DefaultLatexDPI
	}
	unitsPerPixel := 1 / (float64(dpi) * 0.3)
	q := newQuad(vec3{}, float64(cfg.Width)*unitsPerPixel, float64(cfg.Height)*unitsPerPixel)
	q.image = "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)
	return q, nil
}

func textQuad(text string) *quadShape {
	lines := strings.Split(text, "\n")
	longest := 0
	for _, l := range lines {
		longest = max(longest, len([]rune(l)))
	}
	q := newQuad(
		vec3{},
		float64(longest)*textUnitWidth,
		float64(len(lines))*textUnitHeight,
	)
	q.lines = lines
	q.fontSize = textUnitHeight * 0.8
	return q
}

// codeQuad draws code as monospaced lines on a dark background
func codeQuad(code string) shape {
	code = strings.TrimRight(strings.ReplaceAll(code, "\t", "    "), "\n")
	if strings.TrimSpace(code) == "" {
		return nil
	}
	lines := strings.Split(code, "\n")
	longest := 0
	for _, l := range lines {
		longest = max(longest, len([]rune(l)))
	}
	width := float64(longest)*codeFontSize*0.6 + 2*codePadding
	height := float64(len(lines))*codeFontSize*codeLineHeight + 2*codePadding
	q := newQuad(vec3{}, width, height)
	q.lines = lines
	q.fontSize = codeFontSize
	q.monospace = true
	q.background = &rgba{13, 17, 23, 1}
	q.color = rgba{201, 209, 217, 1}
	return q
}
