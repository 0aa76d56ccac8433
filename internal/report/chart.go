package report

import (
	"bytes"
	"crypto-sma-trader/internal/model"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
	"github.com/markcheno/go-talib"
)

const (
	chartWidthPx   = 1280
	klineHeightPx  = 560
	volumeHeightPx = 200

	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorBull          = "#34d399"
	colorBear          = "#f87171"
	colorFast          = "#3b82f6"
	colorSlow          = "#f472b6"
)

var ErrNoCandles = errors.New("no candles to render")

// ChartInput 渲染一张 K 线图所需的数据，Candles 按时间升序
type ChartInput struct {
	Symbol    string
	Timeframe string
	Candles   []model.Candle
	Fast      int
	Slow      int
}

// RenderChart 输出 K 线 + 快慢 SMA + 成交量 的 HTML 页面
func RenderChart(w io.Writer, in ChartInput) error {
	if len(in.Candles) == 0 {
		return fmt.Errorf("%w: %s %s", ErrNoCandles, in.Symbol, in.Timeframe)
	}
	if in.Fast <= 0 || in.Slow <= 0 {
		return fmt.Errorf("%w: sma windows must be positive (fast=%d slow=%d)", model.ErrConfig, in.Fast, in.Slow)
	}

	xAxis := buildXAxis(in.Candles)
	kline := charts.NewKLine()
	kline.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle:       fmt.Sprintf("%s %s", in.Symbol, in.Timeframe),
			Theme:           types.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", chartWidthPx),
			Height:          fmt.Sprintf("%dpx", klineHeightPx),
			BackgroundColor: colorBackground,
		}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithTitleOpts(opts.Title{
			Title:         fmt.Sprintf("%s %s", in.Symbol, in.Timeframe),
			Subtitle:      subtitle(in),
			Left:          "left",
			TitleStyle:    &opts.TextStyle{Color: colorTextPrimary, FontSize: 18},
			SubtitleStyle: &opts.TextStyle{Color: colorTextSecondary},
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithXAxisOpts(opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(false)},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.2)}},
		}),
	)
	kline.SetSeriesOptions(
		charts.WithItemStyleOpts(opts.ItemStyle{
			Color:        colorBull,
			Color0:       colorBear,
			BorderColor:  colorBull,
			BorderColor0: colorBear,
		}),
	)
	kline.SetXAxis(xAxis)
	kline.AddSeries("Price", buildKlineSeries(in.Candles))

	smaLine := buildSMALine(in)
	smaLine.SetXAxis(xAxis)
	kline.Overlap(smaLine)

	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)
	page.AddCharts(kline, buildVolumeChart(xAxis, in.Candles))

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func subtitle(in ChartInput) string {
	last := in.Candles[len(in.Candles)-1]
	return fmt.Sprintf("close %.4f | SMA %d/%d | %d candles", last.Close, in.Fast, in.Slow, len(in.Candles))
}

func buildXAxis(candles []model.Candle) []string {
	x := make([]string, len(candles))
	for i, c := range candles {
		x[i] = time.UnixMilli(c.Timestamp).UTC().Format("01-02 15:04")
	}
	return x
}

func buildKlineSeries(candles []model.Candle) []opts.KlineData {
	data := make([]opts.KlineData, 0, len(candles))
	for _, c := range candles {
		data = append(data, opts.KlineData{Value: [4]float64{c.Open, c.Close, c.Low, c.High}})
	}
	return data
}

func buildSMALine(in ChartInput) *charts.Line {
	closes := make([]float64, len(in.Candles))
	for i, c := range in.Candles {
		closes[i] = c.Close
	}
	line := charts.NewLine()
	line.SetSeriesOptions(
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)
	line.AddSeries(fmt.Sprintf("SMA %d", in.Fast), smaLineData(closes, in.Fast),
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorFast, Width: 2}))
	line.AddSeries(fmt.Sprintf("SMA %d", in.Slow), smaLineData(closes, in.Slow),
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorSlow, Width: 2}))
	return line
}

// smaLineData 窗口未填满的位置输出空值，图上不画线
func smaLineData(closes []float64, period int) []opts.LineData {
	out := make([]opts.LineData, len(closes))
	if period > len(closes) {
		return out
	}
	series := talib.Sma(closes, period)
	for i := range out {
		if i < period-1 || math.IsNaN(series[i]) {
			continue
		}
		out[i] = opts.LineData{Value: math.Round(series[i]*1e4) / 1e4}
	}
	return out
}

func buildVolumeChart(xAxis []string, candles []model.Candle) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", chartWidthPx),
			Height:          fmt.Sprintf("%dpx", volumeHeightPx),
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{Title: "Volume", Left: "left", TitleStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Show: opts.Bool(false)}}),
		charts.WithYAxisOpts(opts.YAxis{
			AxisLabel: &opts.AxisLabel{Show: opts.Bool(true), Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.15)}},
		}),
	)
	vols := make([]opts.BarData, len(candles))
	for i, c := range candles {
		color := colorBear
		if c.Close >= c.Open {
			color = colorBull
		}
		vols[i] = opts.BarData{
			Value:     c.Volume,
			ItemStyle: &opts.ItemStyle{Color: color, Opacity: opts.Float(0.6)},
		}
	}
	bar.SetXAxis(xAxis)
	bar.AddSeries("Volume", vols)
	return bar
}
