package tmgbot

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeRasterizer returns the svg it was given as the "png"
type fakeRasterizer struct {
	mu   sync.Mutex
	svgs []string
	err  error
}

func (f *fakeRasterizer) Rasterize(_ context.Context, svg string, _, _ int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.svgs = append(f.svgs, svg)
	return []byte(svg), nil
}

// pngLatex renders every formula as a blank PNG of the given size
type pngLatex struct {
	width, height int
}

func (p pngLatex) RenderMath(context.Context, string) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, p.width, p.height))); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p pngLatex) RenderText(ctx context.Context, text string) ([]byte, error) {
	return p.RenderMath(ctx, text)
}

func testSceneBuilder(latex LatexRenderer) *sceneBuilder {
	return &sceneBuilder{
		latex:       latex,
		latexDPI:    100,
		plotTimeout: 5 * time.Second,
		plotSamples: 50,
		logger:      slog.New(discardHandler()),
	}
}

func TestDiagramOutput_Validate(t *testing.T) {
	valid := DiagramOutput{
		IsValid: true,
		Objects: []DiagramObject{
			{Type: diagramCircle, R: 1},
			{
				Type: diagramArrangedGroup,
				Objects: []DiagramObject{
					{
						Type: diagramSquare,
						Side: 1,
						Transformations: []DiagramTransform{
							{Type: transformRotation, Axis: "z", Angle: 45},
							{Type: transformScale, SX: 2, SY: 2, SZ: 2},
						},
					},
				},
			},
		},
	}
	require.NoError(t, valid.validate())

	tests := []struct {
		name   string
		output DiagramOutput
	}{
		{
			name:   "unknown type",
			output: DiagramOutput{Objects: []DiagramObject{{Type: "hexagon"}}},
		},
		{
			name: "unknown axis",
			output: DiagramOutput{
				Objects: []DiagramObject{
					{Type: diagramCircle, Transformations: []DiagramTransform{{Type: transformRotation, Axis: "w"}}},
				},
			},
		},
		{
			name: "unknown transformation",
			output: DiagramOutput{
				Objects: []DiagramObject{
					{Type: diagramCircle, Transformations: []DiagramTransform{{Type: "shear"}}},
				},
			},
		},
		{
			name: "nested unknown type",
			output: DiagramOutput{
				Objects: []DiagramObject{
					{Type: diagramUnion, Objects: []DiagramObject{{Type: "blob"}}},
				},
			},
		},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				assert.ErrorIs(t, tt.output.validate(), ErrDiagramInvalid)
			},
		)
	}

	deep := DiagramObject{Type: diagramCircle}
	for range maxDiagramDepth + 1 {
		deep = DiagramObject{Type: diagramArrangedGroup, Objects: []DiagramObject{deep}}
	}
	assert.ErrorIs(t, DiagramOutput{Objects: []DiagramObject{deep}}.validate(), ErrDiagramInvalid)
}

func TestCompilePlotFunction(t *testing.T) {
	tests := []struct {
		source string
		x      float64
		want   float64
	}{
		{source: "x*x", x: 3, want: 9},
		{source: "1/2*x", x: 4, want: 2},
		{source: "-x + 3", x: 1, want: 2},
		{source: "math.Sin(x)", x: math.Pi / 2, want: 1},
		{source: "```go\nreturn math.Pow(x, 2) + math.Pi\n```", x: 2, want: 4 + math.Pi},
		{source: "float64(1) / (1 + math.Exp(-x))", x: 0, want: 0.5},
	}
	for _, tt := range tests {
		t.Run(
			tt.source, func(t *testing.T) {
				f, err := compilePlotFunction(tt.source)
				require.NoError(t, err)
				assert.InDelta(t, tt.want, f(tt.x), 1e-9)
			},
		)
	}

	rejected := []string{
		"os.Exit(1)",
		"func() float64 { return 1 }()",
		"x % 2",
		"math.Nope(x)",
		"y + 1",
		`"x"`,
		"x +",
		"x == 1",
		"panic(x)",
	}
	for _, source := range rejected {
		t.Run(
			"rejects "+source, func(t *testing.T) {
				_, err := compilePlotFunction(source)
				assert.ErrorIs(t, err, ErrPlotFunction)
			},
		)
	}
}

func TestSamplePlot(t *testing.T) {
	ctx := context.Background()

	segments, err := samplePlot(
		ctx,
		func(x float64) float64 { return 1 / x },
		[]DiagramInterval{{Start: -1, End: 1}},
		5,
		time.Second,
	)
	require.NoError(t, err)
	require.Len(t, segments, 2, "the curve breaks where f isn't finite")
	assert.Equal(t, [][2]float64{{-1, -1}, {-0.5, -2}}, segments[0])
	assert.Equal(t, [][2]float64{{0.5, 2}, {1, 1}}, segments[1])

	segments, err = samplePlot(
		ctx,
		func(x float64) float64 {
			if x > 0 {
				panic("boom")
			}
			return x
		},
		[]DiagramInterval{{Start: -1, End: 1}, {Start: 3, End: 2}},
		3,
		time.Second,
	)
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, [][2]float64{{-1, -1}, {0, 0}}, segments[0])

	_, err = samplePlot(
		ctx,
		func(x float64) float64 {
			time.Sleep(20 * time.Millisecond)
			return x
		},
		[]DiagramInterval{{Start: 0, End: 1}},
		100,
		10*time.Millisecond,
	)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPlotAxes(t *testing.T) {
	a := plotAxes{xMin: -2, xMax: 2, yMin: 0, yMax: 10, xLength: 8, yLength: 5}
	assert.Equal(t, vec3{0, -2.5, 0}, a.c2p(0, 0))
	assert.Equal(t, vec3{4, 2.5, 0}, a.c2p(2, 10))
	x0, y0 := a.origin()
	assert.Equal(t, 0.0, x0)
	assert.Equal(t, 0.0, y0)

	a = plotAxes{xMin: 1, xMax: 5, yMin: -5, yMax: -1}
	x0, y0 = a.origin()
	assert.Equal(t, 1.0, x0)
	assert.Equal(t, -1.0, y0)

	assert.Equal(t, []float64{0, 0.25, 0.5, 0.75, 1}, steps(0, 1, 0.25))
	assert.Nil(t, steps(0, 1, 0))
	assert.Nil(t, steps(1, 0, 0.5))
	assert.Len(t, steps(0, 1e6, 1), plotMaxLines)
}

func assertBounds(t *testing.T, want bbox, got bbox) {
	t.Helper()
	require.True(t, got.ok)
	assert.InDelta(t, want.min.X, got.min.X, 1e-6)
	assert.InDelta(t, want.min.Y, got.min.Y, 1e-6)
	assert.InDelta(t, want.max.X, got.max.X, 1e-6)
	assert.InDelta(t, want.max.Y, got.max.Y, 1e-6)
}

func TestApplyTransforms(t *testing.T) {
	square := rectPath(vec3{}, 2, 1, paint{})
	applyTransforms(
		square,
		[]DiagramTransform{
			{Type: transformTranslation, TX: 1, TY: 1},
			{Type: transformRotation, Axis: "z", Angle: 90},
			{Type: transformScale, SX: 2, SY: 1, SZ: 1},
		},
	)
	// rotated about its own center (1, 1), then stretched horizontally
	assertBounds(t, bbox{min: vec3{0, 0, 0}, max: vec3{2, 2, 0}}, square.bounds())

	circle := ellipsePath(vec3{1, 2, 0}, 3, 1, paint{})
	assertBounds(t, bbox{min: vec3{-2, 1, 0}, max: vec3{4, 3, 0}}, circle.bounds())
}

func TestSceneBuilder_Build(t *testing.T) {
	ctx := context.Background()
	sb := testSceneBuilder(nil)

	s, err := sb.build(
		ctx,
		[]DiagramObject{
			{Type: diagramRectangle, X: 10, Y: 5, Width: 4, Height: 2},
		},
	)
	require.NoError(t, err)
	assertBounds(t, bbox{min: vec3{-2, -1, 0}, max: vec3{2, 1, 0}}, s.bounds())

	// scenes larger than the frame are shrunk to fit
	s, err = sb.build(ctx, []DiagramObject{{Type: diagramRectangle, Width: 2 * diagramFrameWidth, Height: 1}})
	require.NoError(t, err)
	assertBounds(
		t,
		bbox{min: vec3{-diagramFrameWidth / 2, -0.25, 0}, max: vec3{diagramFrameWidth / 2, 0.25, 0}},
		s.bounds(),
	)

	_, err = sb.build(ctx, []DiagramObject{{Type: diagramPolygon, Points: []DiagramPoint{{X: 1}}}})
	assert.ErrorIs(t, err, ErrDiagramInvalid)
}

func TestArrange(t *testing.T) {
	left := rectPath(vec3{5, 5, 0}, 1, 1, paint{})
	right := rectPath(vec3{-3, 0, 0}, 1, 2, paint{})
	arrange([]shape{left, right}, "RIGHT", 0.5)

	assertBounds(t, bbox{min: vec3{-1.25, -0.5, 0}, max: vec3{-0.25, 0.5, 0}}, left.bounds())
	assertBounds(t, bbox{min: vec3{0.25, -1, 0}, max: vec3{1.25, 1, 0}}, right.bounds())

	top := rectPath(vec3{}, 1, 1, paint{})
	bottom := rectPath(vec3{}, 1, 1, paint{})
	arrange([]shape{top, bottom}, "DOWN", 0)
	assertBounds(t, bbox{min: vec3{-0.5, 0, 0}, max: vec3{0.5, 1, 0}}, top.bounds())
	assertBounds(t, bbox{min: vec3{-0.5, -1, 0}, max: vec3{0.5, 0, 0}}, bottom.bounds())
}

func TestBooleanGroup(t *testing.T) {
	p := paint{fill: colorWhite}
	assert.Nil(t, booleanGroup(groupUnion, nil, p))

	single := rectPath(vec3{}, 1, 1, paint{})
	assert.Same(t, single, booleanGroup(groupUnion, []shape{single}, p))
	assert.Equal(t, p, single.paint)

	g := booleanGroup(
		groupUnion,
		[]shape{
			rectPath(vec3{}, 1, 1, paint{}),
			linePath(vec3{}, vec3{1, 1, 0}, paint{}),
			&ellipsoidShape{center: vec3{}, axes: scaling(1, 1, 1)},
		},
		p,
	)
	// open paths contribute no area
	require.IsType(t, &groupShape{}, g)
	assert.Len(t, outline(g), 2)
}

func TestSceneBuilder_Latex(t *testing.T) {
	ctx := context.Background()

	sb := testSceneBuilder(pngLatex{width: 60, height: 30})
	q, ok := sb.latexQuad(ctx, `\frac{1}{2}`, true).(*quadShape)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(q.image, "data:image/png;base64,"))
	assert.InDelta(t, 2.0, q.width, 1e-9)
	assert.InDelta(t, 1.0, q.height, 1e-9)

	sb = testSceneBuilder(&fakeLatex{fail: map[string]bool{"x^2": true}})
	q, ok = sb.latexQuad(ctx, "x^2", true).(*quadShape)
	require.True(t, ok)
	assert.Empty(t, q.image)
	assert.Equal(t, []string{"x^2"}, q.lines)

	assert.Nil(t, sb.latexQuad(ctx, "  ", false))
}

func TestRenderSVG(t *testing.T) {
	ctx := context.Background()
	sb := testSceneBuilder(nil)
	s, err := sb.build(
		ctx,
		[]DiagramObject{
			{Type: diagramCircle, R: 1, FillR: 255, FillA: 255, StrokeG: 255, StrokeA: 255, StrokeWidth: 4},
			{Type: diagramSphere, CX: 2, R: 1, FillB: 200, FillA: 255},
			{Type: diagramArrow, X1: -3, Y1: 0, X2: -1, Y2: 0, StrokeR: 255, StrokeA: 255, StrokeWidth: 2},
			{Type: diagramCode, Code: "if a < b {\n\treturn\n}"},
			{
				Type:  diagramDifference,
				FillA: 255,
				Objects: []DiagramObject{
					{Type: diagramSquare, Side: 2},
					{Type: diagramCircle, R: 0.5},
				},
			},
			{
				Type:  diagramIntersection,
				FillA: 255,
				Objects: []DiagramObject{
					{Type: diagramSquare, Side: 2},
					{Type: diagramCircle, R: 1.2},
				},
			},
		},
	)
	require.NoError(t, err)

	svg := renderSVG(s, 1280, 720)
	assert.True(t, strings.HasPrefix(svg, `<svg xmlns="http://www.w3.org/2000/svg" width="1280" height="720"`))
	assert.True(t, strings.HasSuffix(svg, "</svg>"))
	assert.Contains(t, svg, `fill="rgb(255,0,0)"`)
	assert.Contains(t, svg, `stroke="rgb(0,255,0)"`)
	assert.Contains(t, svg, `<radialGradient id="shade1"`)
	assert.Contains(t, svg, `font-family="monospace"`)
	assert.Contains(t, svg, "if a &lt; b {")
	assert.Contains(t, svg, `mask="url(#mask`)
	assert.Contains(t, svg, `clip-path="url(#clip`)
}

func TestDiagramCommand(t *testing.T) {
	b, session, client := newTestBot(t)
	ctx := context.Background()
	rasterizer := &fakeRasterizer{}
	b.diagrams.rasterizer = rasterizer
	b.diagrams.latex = &fakeLatex{}
	member := &discordgo.Member{User: &discordgo.User{ID: "user-1"}}

	output := DiagramOutput{
		Explanation: "Un círculo rojo",
		IsValid:     true,
		Objects:     []DiagramObject{{Type: diagramCircle, R: 1, FillR: 255, FillA: 255}},
	}
	client.On("CreateChatCompletion", mock.Anything, forModel(b.config.OpenAI.DiagramModel)).
		Return(completionOf(t, output), nil).
		Once()

	b.handleInteraction(
		ctx,
		commandInteraction(DiscordSlashCommandDiagram, member, stringOption(commandOptionMessage, "un círculo rojo")),
	)
	assert.Equal(
		t,
		discordgo.InteractionResponseDeferredChannelMessageWithSource,
		lastResponse(t, session).Type,
	)
	job := runNext(t, b)
	assert.Equal(t, JobKindDiagram, job.Kind)

	session.mu.Lock()
	require.Len(t, session.Edits, 1)
	edit := session.Edits[0]
	session.mu.Unlock()
	assert.Equal(t, "Un círculo rojo", *edit.Content)
	require.Len(t, edit.Files, 1)
	assert.Equal(t, diagramFilename, edit.Files[0].Name)
	require.Len(t, rasterizer.svgs, 1)
	assert.Contains(t, rasterizer.svgs[0], `fill="rgb(255,0,0)"`)

	turns := b.transcript.Snapshot()
	assert.Equal(t, TurnKindDiagramRequest, turns[len(turns)-2].Kind)
	assert.Equal(t, TurnKindDiagram, turns[len(turns)-1].Kind)
	assert.Contains(t, turns[len(turns)-1].Text, "Un círculo rojo")
}

func TestDiagramGenerator_InvalidAndFailed(t *testing.T) {
	b, _, client := newTestBot(t)
	ctx := context.Background()
	rasterizer := &fakeRasterizer{err: errors.New("no browser")}
	b.diagrams.rasterizer = rasterizer

	client.On("CreateChatCompletion", mock.Anything, mock.Anything).
		Return(completionOf(t, DiagramOutput{Explanation: "No es un diagrama", Objects: []DiagramObject{}}), nil).
		Once()
	result, err := b.diagrams.Generate(ctx, "cuéntame un chiste")
	require.NoError(t, err)
	assert.Equal(t, "No es un diagrama", result.Explanation)
	assert.Nil(t, result.PNG)

	client.On("CreateChatCompletion", mock.Anything, mock.Anything).
		Return(
			completionOf(
				t,
				DiagramOutput{Explanation: "ok", IsValid: true, Objects: []DiagramObject{{Type: diagramCircle, R: 1}}},
			),
			nil,
		).
		Once()
	result, err = b.diagrams.Generate(ctx, "un círculo")
	require.NoError(t, err)
	assert.Equal(t, diagramRenderFailed, result.Explanation)
	assert.Nil(t, result.PNG)

	// the diagram history keeps both exchanges
	assert.Equal(t, 4, b.diagrams.history.Len())
}
