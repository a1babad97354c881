package voicelive

// Version is the SDK release identifier reported in the live hello.
const Version = "0.1.0"
