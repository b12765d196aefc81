package automation

var SplitBucket = splitBucket
