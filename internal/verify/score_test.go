package verify_test

import (
	"testing"

	"github.com/signalnine/moahdl/internal/verify"
	"github.com/stretchr/testify/assert"
)

const cleanCounter = `module counter (
    input clk,
    input rst,
    output reg [3:0] q
);
    always @(posedge clk) begin
        if (rst)
            q <= 4'd0;
        else
            q <= q + 4'd1;
    end
endmodule
`

const messyShift = `module m(input clk, output reg [1:0] a, output reg b, output reg c, output reg d);
always @(posedge clk) begin
a <= 3'b0;
b <= a;
c <= b;
d <= c;
end
always @(posedge clk) begin
a <= a;
end
endmodule
`

func TestSeverityScoreClean(t *testing.T) {
	assert.Equal(t, 0.85, verify.SeverityScore(cleanCounter))
}

func TestSeverityScoreFloor(t *testing.T) {
	assert.Equal(t, 0.45, verify.SeverityScore(messyShift))
}

func TestSeverityScoreBounds(t *testing.T) {
	for _, src := range []string{"", "module x; endmodule", cleanCounter, messyShift, "assign y = a;\nalways @(posedge clk or a or b) y <= 1;"} {
		s := verify.SeverityScore(src)
		assert.GreaterOrEqual(t, s, 0.45, src)
		assert.LessOrEqual(t, s, 0.85, src)
		assert.Equal(t, s, verify.SeverityScore(src), "score must be deterministic")
	}
}
